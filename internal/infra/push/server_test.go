package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quote_scanner/internal/domain"
	"quote_scanner/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestServer_DeliversByTopic(t *testing.T) {
	metrics := infra.NewMetrics()
	s := NewServer(":0", 8, nil, metrics)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	quotes := dial(t, ts, "/ws/quotes")
	pairs := dial(t, ts, "/ws/pairs")
	require.Eventually(t, func() bool { return s.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, metrics.Snapshot().ActiveSessions)

	require.NoError(t, s.SendQuote(domain.EnrichedQuote{
		Instrument:   "BBG004730N88",
		Ticker:       "SBER",
		CurrentPrice: decimal.RequireFromString("101.5"),
		Direction:    domain.DirectionUp,
	}))
	require.NoError(t, s.SendPair(domain.PairComparison{PairID: "SBER-SBERP", Delta: decimal.NewFromInt(2)}))

	q := readJSON(t, quotes)
	assert.Equal(t, "BBG004730N88", q["figi"])
	assert.Equal(t, "101.5", q["currentPrice"], "decimals are strings on the wire")
	assert.Equal(t, "UP", q["direction"])

	p := readJSON(t, pairs)
	assert.Equal(t, "SBER-SBERP", p["pairId"], "pair sessions never see quotes")

	assert.Eventually(t, func() bool { return s.Stats().Sent == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PrunesClosedSession(t *testing.T) {
	metrics := infra.NewMetrics()
	s := NewServer(":0", 8, nil, metrics)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "/ws/quotes")
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return s.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, metrics.Snapshot().ActiveSessions)

	assert.NotPanics(t, func() { s.Send(TopicQuotes, []byte(`{}`)) })
}

func TestServer_DisconnectsLaggingSession(t *testing.T) {
	// a peer that accepts and never reads
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.CloseRead(r.Context())
		<-r.Context().Done()
	}))
	defer peer.Close()
	conn := dial(t, peer, "/")

	metrics := infra.NewMetrics()
	s := NewServer(":0", 1, nil, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	// no write loop: the buffer holds exactly one message
	s.register(&session{id: 1, topic: TopicQuotes, conn: conn, ch: make(chan []byte, 1), ctx: ctx, cancel: cancel})

	s.Send(TopicQuotes, []byte(`{"n":1}`))
	assert.Equal(t, 1, s.Sessions())

	s.Send(TopicQuotes, []byte(`{"n":2}`))
	assert.Zero(t, s.Sessions())

	st := s.Stats()
	assert.EqualValues(t, 1, st.Dropped)
	assert.EqualValues(t, 1, st.Pruned)
	assert.EqualValues(t, 1, metrics.Snapshot().PushDropped)
}

func TestServer_StatsEndpoint(t *testing.T) {
	s := NewServer(":0", 8, func() any { return map[string]any{"status": "UP"} }, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "UP", body["status"])

	post, err := http.Post(ts.URL+"/api/stats", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", 8, nil, nil)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
