package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"kalefi/core"
)

const (
	wsWriteTimeout      = 10 * time.Second
	defaultFeedBuffer   = 64
	feedSubscriberLimit = 256
)

// Feed fans committed receipts out to websocket subscribers. It implements
// core.Journal so it can sit next to the durable journal. Slow subscribers
// miss receipts rather than blocking the executor.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan receiptView]string
	buffer int
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed{subs: make(map[chan receiptView]string), buffer: buffer}
}

// RecordReceipt publishes receipt to every matching subscriber.
func (f *Feed) RecordReceipt(_ context.Context, receipt *core.Receipt) error {
	if f == nil || receipt == nil {
		return nil
	}
	view := toReceiptView(receipt)
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, account := range f.subs {
		if account != "" && account != view.Caller {
			continue
		}
		select {
		case ch <- view:
		default:
		}
	}
	return nil
}

// subscribe registers a listener filtered to account; an empty account
// receives everything.
func (f *Feed) subscribe(account string) (<-chan receiptView, func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) >= feedSubscriberLimit {
		return nil, nil, false
	}
	ch := make(chan receiptView, f.buffer)
	f.subs[ch] = account
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, true
}

func (s *Server) streamReceipts(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeErrorCode(w, http.StatusNotFound, "not_found", "receipt stream not configured")
		return
	}
	updates, cancel, ok := s.feed.subscribe(strings.TrimSpace(r.URL.Query().Get("account")))
	if !ok {
		writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", "too many subscribers")
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-updates:
			if !ok {
				return
			}
			if err := writeReceipt(ctx, conn, view); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeReceipt(ctx context.Context, conn *websocket.Conn, view receiptView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
