package executor

import (
	"context"

	"tether/internal/domain"
)

// Echo returns every prompt unchanged.
type Echo struct{}

func (Echo) Execute(
	ctx context.Context,
	_ domain.SessionID,
	p domain.Prompt,
	progress func(domain.Progress),
) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	if progress != nil {
		progress(domain.Progress{RequestID: p.RequestID, Text: "received"})
	}
	return domain.Result{RequestID: p.RequestID, Text: p.Text}, nil
}

var _ domain.Executor = Echo{}
