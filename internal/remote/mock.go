package remote

import (
	"context"
	"sync"
	"time"
)

// Mock is a scripted Sender for tests and dry runs. Queued errors are
// returned first, one per call; after that Handler decides, and with no
// Handler every request is confirmed with ServerID "srv-<id>".
type Mock struct {
	Handler func(ctx context.Context, req Request) (Result, error)

	mu    sync.Mutex
	errs  []error
	calls []Request
}

// FailNext queues errs to be returned by the next len(errs) calls.
func (m *Mock) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Send records the call and returns the scripted outcome.
func (m *Mock) Send(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var err error
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}
	handler := m.Handler
	m.mu.Unlock()

	if err != nil {
		return Result{}, err
	}
	if handler != nil {
		return handler(ctx, req)
	}
	return Result{ServerID: "srv-" + req.ID, ServerTimestamp: time.Now().UTC()}, nil
}

// Calls returns a copy of every request received so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallsFor counts requests carrying transaction id.
func (m *Mock) CallsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.ID == id {
			n++
		}
	}
	return n
}
