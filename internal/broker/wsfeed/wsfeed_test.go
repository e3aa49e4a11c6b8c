package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkwarrants/engine/internal/broker"
)

func TestRun_DecodesPushedEventAndInvokesCallback(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		msg := `{"order_id":"o1","status":"Filled","executed_price":"1.23","executed_quantity":"1000"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	f := New(url)

	var mu sync.Mutex
	var got broker.OrderChanged
	received := make(chan struct{})
	f.SetOnOrderChanged(func(e broker.OrderChanged) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(received)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "o1", got.OrderID)
	assert.True(t, got.ExecutedPrice.Equal(decimal.NewFromFloat(1.23)))
}

func TestClose_WithNoActiveConnectionIsANoop(t *testing.T) {
	f := New("ws://unused")
	assert.NoError(t, f.Close())
}
