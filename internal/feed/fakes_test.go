package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"quote_scanner/internal/domain"
)

type fakeStream struct {
	frames chan Message
	errs   chan error

	mu      sync.Mutex
	sent    []SubscriptionRequest
	closed  bool
	closeCh chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames:  make(chan Message, 16),
		errs:    make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeStream) Send(_ context.Context, req SubscriptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStreamClosed
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeStream) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.frames:
		return m, nil
	case err := <-s.errs:
		return Message{}, err
	case <-s.closeCh:
		return Message{}, domain.ErrStreamClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func (s *fakeStream) requests() []SubscriptionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubscriptionRequest(nil), s.sent...)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeClient struct {
	mu       sync.Mutex
	streams  []*fakeStream
	openErr  error
	attempts int
}

func (c *fakeClient) Open(context.Context) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := newFakeStream()
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeClient) opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *fakeClient) openAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeClient) stream(i int) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

func (c *fakeClient) setOpenErr(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

type fakeUniverse struct {
	mu    sync.Mutex
	metas []domain.InstrumentMeta
}

func (u *fakeUniverse) Instruments() []domain.InstrumentMeta {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]domain.InstrumentMeta(nil), u.metas...)
}

func (u *fakeUniverse) set(metas []domain.InstrumentMeta) {
	u.mu.Lock()
	u.metas = metas
	u.mu.Unlock()
}

type fakeGate struct{ allow bool }

func (g fakeGate) CanSubscribeFutures(time.Time) bool { return g.allow }

type recordingHandler struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (h *recordingHandler) Handle(t domain.Tick) bool {
	h.mu.Lock()
	h.ticks = append(h.ticks, t)
	h.mu.Unlock()
	return true
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ticks)
}

var errReset = domain.NewNetworkError("recv", errors.New("connection reset"))
