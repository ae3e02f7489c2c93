package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/event"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return b.ch, nil
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var status map[string]any
	require.NoError(t, json.Unmarshal(msg, &status))
	require.Equal(t, "hub_status", status["type"])
	return conn
}

func encodeFrame(t *testing.T, id string, pool common.Address) []byte {
	t.Helper()
	b, err := event.Encode(domain.LedgerEvent{ID: id, Op: "claim", Pool: pool, Amount: 7, At: time.Now()})
	require.NoError(t, err)
	return b
}

func TestHub_RoutesByPool(t *testing.T) {
	t.Parallel()
	bus := &chanBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, discard(), Config{Mode: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	poolA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolB := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	all := dial(t, srv)
	onlyA := dial(t, srv)
	require.NoError(t, onlyA.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{event.ChannelAll}}))
	require.NoError(t, onlyA.WriteJSON(clientMsg{Action: "subscribe", Channels: []string{event.PoolChannel(poolA)}}))

	// Let the subscription changes land before events flow.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.isSubscribed(event.PoolChannel(poolA)) && !c.isSubscribed(event.ChannelAll) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	bus.ch <- encodeFrame(t, "e1", poolB)
	bus.ch <- encodeFrame(t, "e2", poolA)

	read := func(conn *websocket.Conn) string {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, kind)
		e, err := event.Decode(msg)
		require.NoError(t, err)
		return e.ID
	}

	assert.Equal(t, "e1", read(all))
	assert.Equal(t, "e2", read(all))
	assert.Equal(t, "e2", read(onlyA))
}

func TestClient_IsSubscribedWildcard(t *testing.T) {
	t.Parallel()
	c := &client{subs: map[string]bool{event.ChannelPrefix + "*": true}}
	assert.True(t, c.isSubscribed(event.ChannelAll, event.PoolChannel(common.HexToAddress("0x01"))))
	assert.False(t, c.isSubscribed(event.ChannelAll))
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type sliceBacklog struct {
	msgs []domain.StreamMessage
}

func (b *sliceBacklog) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *sliceBacklog) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	if stream != event.StreamName {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, m := range b.msgs {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestHub_ReplayFiltersBySubscription(t *testing.T) {
	t.Parallel()
	poolA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolB := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	backlog := &sliceBacklog{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: encodeFrame(t, "old-a", poolA)},
		{ID: "2-0", Payload: encodeFrame(t, "old-b", poolB)},
		{ID: "3-0", Payload: encodeFrame(t, "new-a", poolA)},
	}}
	hub := NewHub(&chanBus{ch: make(chan []byte)}, discard(), Config{Backlog: backlog})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{event.ChannelAll}}))
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "subscribe", Channels: []string{event.PoolChannel(poolA)}}))
	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay", Since: "1-0"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	e, err := event.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "new-a", e.ID)
}

func TestClient_RejectsUnknownChannels(t *testing.T) {
	t.Parallel()
	c := &client{subs: map[string]bool{}}
	c.setSubscriptions(clientMsg{Action: "subscribe", Channels: []string{"orders:all", event.PoolChannel(common.HexToAddress("0x01"))}})
	assert.Len(t, c.subs, 1)
	assert.False(t, c.subs["orders:all"])
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	open := originChecker(nil)
	assert.True(t, open(req("https://evil.example")))

	strict := originChecker([]string{"https://app.example"})
	assert.True(t, strict(req("https://app.example")))
	assert.True(t, strict(req("")))
	assert.False(t, strict(req("https://evil.example")))
}

func TestClient_OfferAfterClose(t *testing.T) {
	t.Parallel()
	hub := NewHub(&chanBus{ch: make(chan []byte)}, discard(), Config{})
	c := &client{hub: hub, send: make(chan []byte, 1), subs: map[string]bool{}}

	c.offer([]byte("first"))
	c.close()
	c.close()
	assert.NotPanics(t, func() { c.offer([]byte("late")) })

	got, ok := <-c.send
	require.True(t, ok)
	assert.Equal(t, "first", string(got))
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestClient_ConcurrentOfferAndClose(t *testing.T) {
	t.Parallel()
	hub := NewHub(&chanBus{ch: make(chan []byte)}, discard(), Config{})
	c := &client{hub: hub, send: make(chan []byte, sendBufferSize), subs: map[string]bool{}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.offer([]byte("x"))
			}
		}()
	}
	c.close()
	wg.Wait()
	assert.True(t, c.closed)
}
