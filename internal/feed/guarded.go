package feed

import (
	"context"
	"sync"

	"quote_scanner/internal/resilience"
)

// GuardedClient routes every upstream Open and Send through a shield, so
// sustained upstream failures open its circuit and later calls fail fast
// until the cool-down ends. Failures still reach the connection, which
// schedules its reconnect as usual.
type GuardedClient struct {
	client Client
	shield *resilience.Shield
}

// NewGuardedClient wraps client with shield.
func NewGuardedClient(client Client, shield *resilience.Shield) *GuardedClient {
	return &GuardedClient{client: client, shield: shield}
}

// Shield returns the shield guarding the client.
func (g *GuardedClient) Shield() *resilience.Shield { return g.shield }

// Open dials a stream under the shield. The stream lives as long as ctx, not
// as long as the guarded attempt.
func (g *GuardedClient) Open(ctx context.Context) (Stream, error) {
	var (
		result  openResult
		failure error
	)
	ok := g.shield.Execute(ctx, "open_stream", func(context.Context) error {
		s, err := g.client.Open(ctx)
		if err != nil {
			return err
		}
		result.keep(s)
		return nil
	}, func(err error) {
		failure = err
	})

	s := result.settle()
	if !ok {
		if s != nil {
			_ = s.CloseSend()
		}
		return nil, failure
	}
	return &guardedStream{Stream: s, shield: g.shield}, nil
}

// openResult holds the first stream opened by any attempt. Streams opened
// by abandoned attempts after the call settled are completed immediately.
type openResult struct {
	mu      sync.Mutex
	stream  Stream
	settled bool
}

func (r *openResult) keep(s Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled || r.stream != nil {
		_ = s.CloseSend()
		return
	}
	r.stream = s
}

func (r *openResult) settle() Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
	return r.stream
}

type guardedStream struct {
	Stream
	shield *resilience.Shield
}

func (s *guardedStream) Send(ctx context.Context, req SubscriptionRequest) error {
	var failure error
	ok := s.shield.Execute(ctx, "send_subscription", func(ctx context.Context) error {
		return s.Stream.Send(ctx, req)
	}, func(err error) {
		failure = err
	})
	if !ok {
		return failure
	}
	return nil
}
