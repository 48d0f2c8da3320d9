package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"quote_scanner/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// WSClient opens market-data streams over a websocket endpoint.
type WSClient struct {
	url    string
	token  string
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewWSClient creates a client for url. A non-empty token is sent as a bearer credential.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{
		url:    url,
		token:  token,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger: slog.Default().With("module", "feed_ws"),
	}
}

// Open dials a new stream. The connection closes when ctx ends.
func (c *WSClient) Open(ctx context.Context) (Stream, error) {
	header := make(http.Header)
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, domain.NewFatalNetworkError("dial", fmt.Errorf("%w: status %d", domain.ErrConnectionFailed, resp.StatusCode))
		}
		return nil, domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	s := &wsStream{conn: conn, done: make(chan struct{})}
	stop := context.AfterFunc(ctx, s.closeConnection)
	go func() {
		<-s.done
		stop()
	}()
	go s.pingLoop()

	c.logger.Debug("Stream connected", slog.String("url", c.url))
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	parser fastjson.Parser // used only by Recv

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (s *wsStream) threadSafeWrite(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return domain.ErrStreamClosed
	default:
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

func (s *wsStream) Send(_ context.Context, req SubscriptionRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if err := s.threadSafeWrite(websocket.TextMessage, b); err != nil {
		if errors.Is(err, domain.ErrStreamClosed) {
			return err
		}
		return domain.NewNetworkError("send", err)
	}
	return nil
}

func (s *wsStream) Recv(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.closeConnection()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Message{}, io.EOF
			}
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, domain.NewNetworkError("recv", err)
		}

		msg, err := decodeMessage(&s.parser, raw)
		if err != nil {
			if domain.IsRetriable(err) {
				// upstream reported an error frame
				s.closeConnection()
				return Message{}, err
			}
			continue
		}
		if msg.Ack == nil && len(msg.Ticks) == 0 {
			continue
		}
		return msg, nil
	}
}

// CloseSend sends a normal close frame and releases the connection.
func (s *wsStream) CloseSend() error {
	err := s.threadSafeWrite(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"))
	s.closeConnection()
	if errors.Is(err, domain.ErrStreamClosed) {
		return nil
	}
	return err
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsStream) closeConnection() {
	s.once.Do(func() {
		s.writeMu.Lock()
		close(s.done)
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
