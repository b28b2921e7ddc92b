// Package notifier provides a persistent WebSocket client for the chat
// bridge that delivers monitor notifications to the user.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Button is one interactive button under a message.  CallbackData is echoed
// back verbatim when the user taps it and must stay within 64 bytes.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// ReplyMarkup is a 2-D button grid attached to a message.
type ReplyMarkup struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

// Handler receives broadcast events from the bridge.
type Handler struct {
	// OnCallback fires when the user taps a button; data is the button's
	// callback_data payload.
	OnCallback func(data string)
}

// sendResult carries the outcome of a notify request.
type sendResult struct {
	err            error
	markupRejected bool
}

// Client maintains a persistent WebSocket connection to the chat bridge.
// It automatically reconnects on failure and serialises all writes.
type Client struct {
	url     string
	handler Handler

	// conn is the active connection; nil when disconnected.
	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex // serialises writes to conn

	// pending notify requests: id → chan sendResult
	sendPending sync.Map

	idSeq atomic.Int64

	reconnectDelay time.Duration
	sendTimeout    time.Duration
}

// NewClient creates a Client targeting the given WebSocket URL.
func NewClient(url string, h Handler) *Client {
	return &Client{
		url:            url,
		handler:        h,
		reconnectDelay: 5 * time.Second,
		sendTimeout:    15 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled.
// Call this in a dedicated goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("notifier: %v — retrying in %s", err, c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// IsConnected reports whether a connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Printf("notifier: connected to %s", c.url)

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		// Fail all in-flight requests.
		c.sendPending.Range(func(k, v any) bool {
			v.(chan sendResult) <- sendResult{err: fmt.Errorf("notifier: connection lost")}
			c.sendPending.Delete(k)
			return true
		})

		log.Printf("notifier: disconnected from %s", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// inbound is the superset of all messages sent by the bridge.
type inbound struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Data    string `json:"data,omitempty"`
}

func (c *Client) dispatch(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("notifier: bad message: %v", err)
		return
	}

	switch msg.Type {
	case "sent":
		if ch, ok := c.sendPending.LoadAndDelete(msg.ID); ok {
			ch.(chan sendResult) <- sendResult{}
		}

	case "markup_unsupported":
		// The bridge accepted nothing; the caller should retry text-only.
		if ch, ok := c.sendPending.LoadAndDelete(msg.ID); ok {
			ch.(chan sendResult) <- sendResult{markupRejected: true}
		}

	case "error":
		if ch, ok := c.sendPending.LoadAndDelete(msg.ID); ok {
			ch.(chan sendResult) <- sendResult{err: fmt.Errorf("notifier: %s", msg.Message)}
		}

	case "callback":
		if c.handler.OnCallback != nil {
			c.handler.OnCallback(msg.Data)
		}
	}
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to chat bridge")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("n%d", c.idSeq.Add(1))
}

type outbound struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	ReplyMarkup *ReplyMarkup `json:"reply_markup,omitempty"`
}

// Send delivers one notification, optionally with a button grid, and waits
// for the bridge's ack.  When the bridge rejects the markup the message is
// resent text-only with a warning.  Returns true when the message was
// delivered in either form.
func (c *Client) Send(text string, markup *ReplyMarkup) bool {
	ok, markupRejected := c.sendOnce(text, markup)
	if ok {
		return true
	}
	if markupRejected && markup != nil {
		log.Printf("notifier: bridge does not accept reply markup, sending text-only")
		ok, _ = c.sendOnce(text, nil)
		return ok
	}
	return false
}

func (c *Client) sendOnce(text string, markup *ReplyMarkup) (delivered, markupRejected bool) {
	id := c.nextID()
	ch := make(chan sendResult, 1)
	c.sendPending.Store(id, ch)

	err := c.send(outbound{Type: "notify", ID: id, Text: text, ReplyMarkup: markup})
	if err != nil {
		c.sendPending.Delete(id)
		log.Printf("notifier: send: %v", err)
		return false, false
	}

	select {
	case res := <-ch:
		if res.markupRejected {
			return false, true
		}
		if res.err != nil {
			log.Printf("notifier: %v", res.err)
			return false, false
		}
		return true, false
	case <-time.After(c.sendTimeout):
		c.sendPending.Delete(id)
		log.Printf("notifier: timeout waiting for delivery ack")
		return false, false
	}
}
