// Package push delivers enriched quotes and pair comparisons to websocket clients.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"quote_scanner/internal/domain"
	"quote_scanner/internal/infra"

	"nhooyr.io/websocket"
)

const (
	TopicQuotes = "quotes"
	TopicPairs  = "pairs"

	writeTimeout = 5 * time.Second
)

// StatsFunc returns the snapshot served on /api/stats.
type StatsFunc func() any

// Server is the outbound push sink. Send never blocks: a session whose
// buffer is full is disconnected.
type Server struct {
	addr    string
	buffer  int
	stats   StatsFunc
	metrics *infra.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[int64]*session
	seq      atomic.Int64

	httpSrv *http.Server

	sent    atomic.Uint64
	dropped atomic.Uint64
	pruned  atomic.Uint64
}

type session struct {
	id     int64
	topic  string
	conn   *websocket.Conn
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a push server. stats and metrics may be nil.
func NewServer(addr string, buffer int, stats StatsFunc, metrics *infra.Metrics) *Server {
	if buffer <= 0 {
		buffer = 256
	}
	return &Server{
		addr:     addr,
		buffer:   buffer,
		stats:    stats,
		metrics:  metrics,
		logger:   slog.Default().With("module", "push"),
		sessions: make(map[int64]*session),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/quotes", s.serveTopic(TopicQuotes))
	mux.HandleFunc("/ws/pairs", s.serveTopic(TopicPairs))
	mux.HandleFunc("/api/stats", s.serveStats)
	return mux
}

// Start listens on the configured address until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return domain.NewFatalNetworkError("push listen", err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Push server stopped", slog.Any("error", err))
		}
	}()
	s.logger.Info("Push server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop disconnects every session and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.closeSession(sess, websocket.StatusGoingAway, "server shutdown")
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveTopic(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			s.logger.Warn("Websocket accept failed", slog.Any("error", err))
			return
		}

		// inbound frames are ignored; CloseRead notices the peer going away
		ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
		sess := &session{
			id:     s.seq.Add(1),
			topic:  topic,
			conn:   conn,
			ch:     make(chan []byte, s.buffer),
			ctx:    ctx,
			cancel: cancel,
		}
		s.register(sess)
		defer s.remove(sess.id, websocket.StatusNormalClosure, "")

		s.writeLoop(sess)
	}
}

func (s *Server) writeLoop(sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg := <-sess.ch:
			wctx, cancel := context.WithTimeout(sess.ctx, writeTimeout)
			err := sess.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.logger.Debug("Session write failed", slog.Int64("session", sess.id), slog.Any("error", err))
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncrementSessions()
	}
	s.logger.Info("Session opened", slog.Int64("session", sess.id), slog.String("topic", sess.topic))
}

func (s *Server) remove(id int64, code websocket.StatusCode, reason string) {
	if sess, ok := s.detach(id); ok {
		s.closeSession(sess, code, reason)
	}
}

func (s *Server) detach(id int64) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

func (s *Server) closeSession(sess *session, code websocket.StatusCode, reason string) {
	sess.cancel()
	sess.conn.Close(code, reason)
	if s.metrics != nil {
		s.metrics.DecrementSessions()
	}
	s.logger.Info("Session closed", slog.Int64("session", sess.id), slog.String("topic", sess.topic))
}

// Send offers payload to every session of topic.
func (s *Server) Send(topic string, payload []byte) {
	var lagging []int64

	s.mu.RLock()
	for id, sess := range s.sessions {
		if sess.topic != topic {
			continue
		}
		select {
		case sess.ch <- payload:
		default:
			lagging = append(lagging, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range lagging {
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.RecordPushDrop()
		}
		if sess, ok := s.detach(id); ok {
			s.pruned.Add(1)
			s.logger.Warn("Disconnecting lagging session", slog.Int64("session", id))
			// the close handshake may wait on the peer
			go s.closeSession(sess, websocket.StatusPolicyViolation, "lagging")
		}
	}
}

// SendQuote serializes q for the quotes topic. It matches the hub handler signature.
func (s *Server) SendQuote(q domain.EnrichedQuote) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	s.Send(TopicQuotes, b)
	return nil
}

// SendPair serializes c for the pairs topic.
func (s *Server) SendPair(c domain.PairComparison) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.Send(TopicPairs, b)
	return nil
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body any = s.Stats()
	if s.stats != nil {
		body = s.stats()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write stats", slog.Any("error", err))
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats is a point-in-time view of the push sink.
type Stats struct {
	Sessions int    `json:"sessions"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Pruned   uint64 `json:"pruned"`
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions: s.Sessions(),
		Sent:     s.sent.Load(),
		Dropped:  s.dropped.Load(),
		Pruned:   s.pruned.Load(),
	}
}
