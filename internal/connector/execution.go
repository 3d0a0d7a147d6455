package connector

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tether/internal/domain"
)

// execution is one in-flight prompt. Exactly one terminal frame is sent
// per execution; finished records that it has been.
type execution struct {
	r       *Runtime
	link    *link
	session domain.SessionID
	request domain.RequestID
	cancel  context.CancelFunc

	mu        sync.Mutex
	finished  bool
	cancelled bool
}

func (r *Runtime) startExecution(c *link, id domain.SessionID, p domain.Prompt) {
	ctx, cancel := context.WithCancel(c.ctx)
	ex := &execution{r: r, link: c, session: id, request: p.RequestID, cancel: cancel}

	r.mu.Lock()
	reqs := r.inflight[id]
	if reqs == nil {
		reqs = make(map[domain.RequestID]*execution)
		r.inflight[id] = reqs
	}
	_, dup := reqs[p.RequestID]
	if !dup {
		reqs[p.RequestID] = ex
	}
	r.mu.Unlock()

	if dup {
		cancel()
		_ = r.sendSession(c, id, domain.FrameError, domain.ErrorReply{
			RequestID: p.RequestID,
			Code:      domain.ErrorCodeDuplicate,
			Message:   "request already in flight",
		})
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(ex)
		defer cancel()
		res, err := r.executor.Execute(ctx, id, p, ex.progress)
		ex.complete(res, err)
	}()
}

func (ex *execution) progress(p domain.Progress) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished || ex.link.ctx.Err() != nil {
		return
	}
	p.RequestID = ex.request
	_ = ex.r.sendSession(ex.link, ex.session, domain.FrameProgress, p)
}

// complete sends the terminal frame for the executor's outcome unless one
// has already been sent.
func (ex *execution) complete(res domain.Result, err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished {
		if ex.cancelled {
			ex.r.log.Debug("discarding result after cancel",
				zap.String("session_id", ex.session.String()),
				zap.String("request_id", ex.request.String()),
			)
		}
		return
	}
	ex.finished = true
	if ex.link.ctx.Err() != nil {
		return
	}

	if err != nil {
		ex.r.log.Info("execution failed",
			zap.String("session_id", ex.session.String()),
			zap.String("request_id", ex.request.String()),
			zap.Error(err),
		)
		code := domain.ErrorCodeExecution
		if errors.Is(err, context.DeadlineExceeded) {
			code = domain.ErrorCodeTimeout
		}
		_ = ex.r.sendSession(ex.link, ex.session, domain.FrameError, domain.ErrorReply{
			RequestID: ex.request,
			Code:      code,
			Message:   err.Error(),
		})
		ex.r.notify(domain.Event{Kind: domain.EventMessageFailed, SessionID: ex.session, RequestID: ex.request, Detail: err.Error()})
		return
	}

	res.RequestID = ex.request
	_ = ex.r.sendSession(ex.link, ex.session, domain.FrameResult, res)
	ex.r.notify(domain.Event{Kind: domain.EventMessageCompleted, SessionID: ex.session, RequestID: ex.request})
}

// cancelByPeer handles session.cancel: it emits the terminal "cancelled"
// error now and signals the executor. A finished execution is left alone.
func (ex *execution) cancelByPeer() {
	ex.mu.Lock()
	if ex.finished {
		ex.mu.Unlock()
		return
	}
	ex.finished = true
	ex.cancelled = true
	_ = ex.r.sendSession(ex.link, ex.session, domain.FrameError, domain.ErrorReply{
		RequestID: ex.request,
		Code:      domain.ErrorCodeCancelled,
		Message:   "cancelled by peer",
	})
	ex.mu.Unlock()

	ex.cancel()
	ex.r.notify(domain.Event{Kind: domain.EventMessageCancelled, SessionID: ex.session, RequestID: ex.request})
}

// abandon stops an execution whose session is gone; nothing more is sent.
func (ex *execution) abandon() {
	ex.mu.Lock()
	ex.finished = true
	ex.mu.Unlock()
	ex.cancel()
}

func (r *Runtime) forget(ex *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqs := r.inflight[ex.session]
	if reqs[ex.request] == ex {
		delete(reqs, ex.request)
		if len(reqs) == 0 {
			delete(r.inflight, ex.session)
		}
	}
}

// executions returns the in-flight executions of a session, or just the one
// for request when it is set.
func (r *Runtime) executions(id domain.SessionID, request domain.RequestID) []*execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqs := r.inflight[id]
	if request != "" {
		if ex, ok := reqs[request]; ok {
			return []*execution{ex}
		}
		return nil
	}
	out := make([]*execution, 0, len(reqs))
	for _, ex := range reqs {
		out = append(out, ex)
	}
	return out
}

// dropExecutions abandons every execution of an ended session.
func (r *Runtime) dropExecutions(id domain.SessionID) {
	r.mu.Lock()
	reqs := r.inflight[id]
	delete(r.inflight, id)
	r.mu.Unlock()
	for _, ex := range reqs {
		ex.abandon()
	}
}
