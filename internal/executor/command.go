package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tether/internal/domain"
)

// ErrEmptyCommand is returned by NewCommand without a program.
var ErrEmptyCommand = errors.New("executor: empty command")

const (
	maxStderr = 4 << 10
	maxOutput = 1 << 20
	waitDelay = time.Second
)

// Command runs an external program once per prompt.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration

	log *zap.Logger
}

// NewCommand returns a Command for path. A zero timeout means none beyond
// the caller's context.
func NewCommand(path string, args []string, timeout time.Duration, log *zap.Logger) (*Command, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyCommand
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Command{Path: path, Args: args, Timeout: timeout, log: log.Named("executor")}, nil
}

// Execute runs the program with the prompt on stdin. The session and request
// ids are exported as TETHER_SESSION_ID and TETHER_REQUEST_ID.
func (c *Command) Execute(
	ctx context.Context,
	session domain.SessionID,
	p domain.Prompt,
	progress func(domain.Progress),
) (domain.Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(cmd.Environ(), c.Env...),
		"TETHER_SESSION_ID="+session.String(),
		"TETHER_REQUEST_ID="+p.RequestID.String(),
	)
	cmd.Stdin = strings.NewReader(p.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderr}
	lines := &lineWriter{emit: func(line string) {
		if progress != nil {
			progress(domain.Progress{RequestID: p.RequestID, Text: line})
		}
	}}
	cmd.Stdout = lines
	// Grandchildren holding stdout open must not stall Wait after a kill.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.Result{}, fmt.Errorf("start %s: %w", c.Path, err)
	}
	waitErr := cmd.Wait()
	lines.flush()

	c.log.Debug("command finished",
		zap.String("session_id", session.String()),
		zap.String("request_id", p.RequestID.String()),
		zap.Duration("took", time.Since(start)),
		zap.Error(waitErr),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.Result{}, ctxErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return domain.Result{}, fmt.Errorf("%s: %w: %s", c.Path, waitErr, msg)
		}
		return domain.Result{}, fmt.Errorf("%s: %w", c.Path, waitErr)
	}
	return domain.Result{
		RequestID: p.RequestID,
		Text:      lines.String(),
		Metadata:  map[string]string{"exit_code": "0"},
	}, nil
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(b []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(b) > room {
			w.buf.Write(b[:room])
		} else {
			w.buf.Write(b)
		}
	}
	return len(b), nil
}

var _ domain.Executor = (*Command)(nil)

// lineWriter splits stdout into lines, reporting each complete line and
// keeping up to maxOutput bytes of the whole output.
type lineWriter struct {
	mu      sync.Mutex
	partial []byte
	out     strings.Builder
	emit    func(string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(strings.TrimSuffix(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}

func (w *lineWriter) line(s string) {
	if w.out.Len() < maxOutput {
		if w.out.Len() > 0 {
			w.out.WriteByte('\n')
		}
		w.out.WriteString(s)
	}
	w.emit(s)
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.String()
}
