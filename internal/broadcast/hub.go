// Package broadcast implements the dashboard-broadcast side of C9's fan-out
// (SPEC_FULL.md §4.12): an in-process pub-sub hub ready for
// gorilla/websocket subscriber registration, plus a best-effort NATS
// republish. Neither path ever blocks the coordinator.
package broadcast

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/paperdesk/engine/internal/sot"
)

// FillMessage is the wire shape pushed to subscribers.
type FillMessage struct {
	OrderID       uint64 `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	FillQty       string `json:"fill_qty"`
	EffectivePrice string `json:"effective_price"`
	Fees          string `json:"fees"`
	Liquidity     string `json:"liquidity"`
}

func toMessage(order sot.Order, fill sot.Fill) FillMessage {
	return FillMessage{
		OrderID:        order.ID,
		ClientOrderID:  order.ClientOrderID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		FillQty:        fill.FillQty.String(),
		EffectivePrice: fill.EffectivePrice.String(),
		Fees:           fill.Fees.String(),
		Liquidity:      fill.Liquidity,
	}
}

// subscriber is one connected dashboard client.
type subscriber struct {
	conn *websocket.Conn
	send chan FillMessage
}

// Hub is an in-process pub-sub fan-out for fill broadcasts, the one HTTP
// surface component this repo wires live (the routing itself is out of
// scope per spec.md §6; this is the piece a router would call into).
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	log  zerolog.Logger
}

// NewHub builds an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), log: log}
}

// Register adds conn as a subscriber and starts its write pump. Call the
// returned func (typically via defer on connection close) to stop it.
func (h *Hub) Register(conn *websocket.Conn) func() {
	sub := &subscriber{conn: conn, send: make(chan FillMessage, 64)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-sub.send:
				if !ok {
					return
				}
				if err := conn.WriteJSON(msg); err != nil {
					h.log.Debug().Err(err).Msg("broadcast: subscriber write failed, dropping")
					h.unregister(sub)
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		h.unregister(sub)
	}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// PublishFill fans a fill out to every subscriber, non-blocking — a slow
// or dead subscriber is dropped rather than stalling the coordinator.
func (h *Hub) PublishFill(order sot.Order, fill sot.Fill) {
	msg := toMessage(order, fill)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.send <- msg:
		default:
			h.log.Debug().Msg("broadcast: subscriber backlog full, dropping fill message")
		}
	}
}
