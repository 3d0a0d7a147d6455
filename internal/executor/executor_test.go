package executor_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tether/internal/domain"
	"tether/internal/executor"
)

func TestEcho(t *testing.T) {
	var progress []domain.Progress
	res, err := executor.Echo{}.Execute(context.Background(), "s1",
		domain.Prompt{RequestID: "r1", Text: "hello"},
		func(p domain.Progress) { progress = append(progress, p) },
	)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	require.Equal(t, domain.RequestID("r1"), res.RequestID)
	require.Len(t, progress, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = executor.Echo{}.Execute(ctx, "s1", domain.Prompt{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}
	return sh
}

func TestCommandStreamsLines(t *testing.T) {
	sh := requireShell(t)
	c, err := executor.NewCommand(sh, []string{"-c", `read line; echo "one $line"; echo "two $TETHER_REQUEST_ID"`}, 5*time.Second, nil)
	require.NoError(t, err)

	var lines []string
	res, err := c.Execute(context.Background(), "s1",
		domain.Prompt{RequestID: "r9", Text: "hi\n"},
		func(p domain.Progress) { lines = append(lines, p.Text) },
	)
	require.NoError(t, err)
	require.Equal(t, []string{"one hi", "two r9"}, lines)
	require.Equal(t, "one hi\ntwo r9", res.Text)
}

func TestCommandFailureCarriesStderr(t *testing.T) {
	sh := requireShell(t)
	c, err := executor.NewCommand(sh, []string{"-c", "echo nope >&2; exit 3"}, 5*time.Second, nil)
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), "s1", domain.Prompt{RequestID: "r1"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nope")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
}

func TestCommandCancelled(t *testing.T) {
	sh := requireShell(t)
	c, err := executor.NewCommand(sh, []string{"-c", "exec sleep 10"}, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = c.Execute(ctx, "s1", domain.Prompt{RequestID: "r1"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandTimeout(t *testing.T) {
	sh := requireShell(t)
	c, err := executor.NewCommand(sh, []string{"-c", "exec sleep 10"}, 50*time.Millisecond, nil)
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), "s1", domain.Prompt{RequestID: "r1"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewCommandRequiresPath(t *testing.T) {
	_, err := executor.NewCommand("  ", nil, 0, nil)
	require.ErrorIs(t, err, executor.ErrEmptyCommand)
}
