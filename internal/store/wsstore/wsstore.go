// Package wsstore implements store.Store against a relay over a websocket.
package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-pinboard/internal/protocol"
	"github.com/npezzotti/go-pinboard/internal/store"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ResponseError is a non-OK response from the relay.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("relay: %s (%d)", e.Message, e.Code)
}

type Client struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	writeLock sync.Mutex

	mu      sync.Mutex
	nextId  int
	pending map[int]chan *protocol.Response
	subs    map[int]*store.Mailbox
	closed  bool
	err     error
	done    chan struct{}
}

var _ store.Store = (*Client)(nil)

// Dial connects to the relay's websocket endpoint, e.g. ws://localhost:8000/ws.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if res != nil && res.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, res.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:    conn,
		log:     logger,
		pending: make(map[int]chan *protocol.Response),
		subs:    make(map[int]*store.Mailbox),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.shutdown(err)
		close(c.done)
	}()

	for {
		var raw []byte
		_, raw, err = c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.ServerMessage
		if jerr := json.Unmarshal(raw, &msg); jerr != nil {
			c.log.Warnw("discarding unparseable relay message", "error", jerr)
			continue
		}

		switch {
		case msg.Event != nil:
			c.mu.Lock()
			mb := c.subs[msg.Event.SubId]
			c.mu.Unlock()
			if mb != nil {
				mb.Post(msg.Event.Snapshot())
			}
		case msg.Response != nil:
			c.mu.Lock()
			ch := c.pending[msg.Id]
			delete(c.pending, msg.Id)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg.Response
			}
		}
	}
}

// shutdown marks the client closed and releases every waiter.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = cause
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, mb := range c.subs {
		mb.Close()
		delete(c.subs, id)
	}
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warnw("relay connection lost", "error", cause)
	}
}

func (c *Client) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %v", store.ErrClosed, c.err)
	}
	return store.ErrClosed
}

func (c *Client) write(msg *protocol.ClientMessage) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// request sends msg and waits for the matching response.
func (c *Client) request(ctx context.Context, msg *protocol.ClientMessage) (*protocol.Response, error) {
	ch := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closedErr()
		c.mu.Unlock()
		return nil, err
	}
	c.nextId++
	msg.Id = c.nextId
	c.pending[msg.Id] = ch
	c.mu.Unlock()

	msg.Timestamp = protocol.Now()
	if err := c.write(msg); err != nil {
		c.forget(msg.Id)
		return nil, fmt.Errorf("%w: %v", store.ErrClosed, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return nil, c.closedErr()
		}
		if res.ResponseCode != http.StatusOK {
			return nil, &ResponseError{Code: res.ResponseCode, Message: res.Error}
		}
		return res, nil
	case <-ctx.Done():
		c.forget(msg.Id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if _, err := store.Split(path); err != nil {
		return store.Snapshot{}, err
	}

	res, err := c.request(ctx, &protocol.ClientMessage{Get: &protocol.Get{Path: path}})
	if err != nil {
		return store.Snapshot{}, err
	}

	exists, _ := res.Data["exists"].(bool)
	return store.Snapshot{Path: path, Value: res.Data["value"], Exists: exists}, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	if _, err := store.Split(path); err != nil {
		return err
	}
	_, err := c.request(ctx, &protocol.ClientMessage{Set: &protocol.Set{Path: path, Value: value}})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	parts, err := store.Split(path)
	if err != nil {
		return err
	}
	if _, err := store.Touched(parts, fields); err != nil {
		return err
	}
	_, err = c.request(ctx, &protocol.ClientMessage{Update: &protocol.Update{Path: path, Fields: fields}})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	if _, err := store.Split(path); err != nil {
		return err
	}
	_, err := c.request(ctx, &protocol.ClientMessage{Remove: &protocol.Remove{Path: path}})
	return err
}

// Subscribe registers the mailbox before asking the relay, so events sent
// ahead of the response are not lost.
func (c *Client) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	if _, err := store.Split(path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		err := c.closedErr()
		c.mu.Unlock()
		return nil, err
	}
	c.nextId++
	subId := c.nextId
	mb := store.NewMailbox(fn)
	c.subs[subId] = mb
	c.mu.Unlock()

	_, err := c.request(ctx, &protocol.ClientMessage{Subscribe: &protocol.Subscribe{SubId: subId, Path: path}})
	if err != nil {
		c.dropSub(subId)
		return nil, err
	}

	return store.SubscriptionFunc(func() error {
		if !c.dropSub(subId) {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_, err := c.request(ctx, &protocol.ClientMessage{Unsubscribe: &protocol.Unsubscribe{SubId: subId}})
		if errors.Is(err, store.ErrClosed) {
			return nil
		}
		return err
	}), nil
}

func (c *Client) dropSub(subId int) bool {
	c.mu.Lock()
	mb, ok := c.subs[subId]
	delete(c.subs, subId)
	c.mu.Unlock()

	if ok {
		mb.Close()
	}
	return ok
}

func (c *Client) OnDisconnectRemove(ctx context.Context, path string) error {
	if _, err := store.Split(path); err != nil {
		return err
	}
	_, err := c.request(ctx, &protocol.ClientMessage{OnDisconnect: &protocol.OnDisconnect{Path: path}})
	return err
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	if _, err := store.Split(path); err != nil {
		return err
	}
	_, err := c.request(ctx, &protocol.ClientMessage{CancelOnDisconnect: &protocol.OnDisconnect{Path: path}})
	return err
}

// Close ends the connection. The relay then applies this connection's
// on-disconnect removals.
func (c *Client) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.writeLock.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeLock.Unlock()
	}

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	return c.conn.Close()
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
