// Package wsfeed is a WebSocket push transport for the broker's
// order-change stream, giving set_on_order_changed a concrete,
// broker-agnostic delivery path over github.com/gorilla/websocket.
package wsfeed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/types"
)

// wireEvent is the JSON shape the push endpoint sends for an order-change
// notification.
type wireEvent struct {
	OrderID          string          `json:"order_id"`
	Status           string          `json:"status"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	UpdatedAt        *time.Time      `json:"updated_at"`
}

// Feed reconnects to a WebSocket endpoint and delivers decoded
// OrderChanged events to a registered callback.
type Feed struct {
	url string

	mu       sync.Mutex
	onChange func(broker.OrderChanged)
	conn     *websocket.Conn

	dialer websocket.Dialer
}

// New returns a feed that will dial url on Run.
func New(url string) *Feed {
	return &Feed{url: url, dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

// SetOnOrderChanged registers the callback invoked per decoded event.
func (f *Feed) SetOnOrderChanged(cb func(broker.OrderChanged)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = cb
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// backoff on read/dial errors.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			log.Printf("[WARN] wsfeed: dial %s failed: %v, retrying in %s", f.url, err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		if err := f.readLoop(ctx, conn); err != nil {
			log.Printf("[WARN] wsfeed: read loop ended: %v", err)
		}
		conn.Close()
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("[WARN] wsfeed: malformed event: %v", err)
			continue
		}
		f.mu.Lock()
		cb := f.onChange
		f.mu.Unlock()
		if cb == nil {
			continue
		}
		cb(broker.OrderChanged{
			OrderID:          evt.OrderID,
			Status:           types.OrderStatus(evt.Status),
			ExecutedPrice:    evt.ExecutedPrice,
			ExecutedQuantity: evt.ExecutedQuantity,
			UpdatedAt:        evt.UpdatedAt,
		})
	}
}

// Close tears down the active connection, if any.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
