package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-pinboard/internal/protocol"
	"github.com/npezzotti/go-pinboard/internal/stats"
	"github.com/npezzotti/go-pinboard/internal/store"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

var errDuplicateSubscription = errors.New("subscription id already in use")

// Client is one websocket connection. It owns a connection to the relay's
// tree, so dropping the socket runs the client's on-disconnect actions.
type Client struct {
	conn     *websocket.Conn
	relay    *Relay
	log      *zap.SugaredLogger
	store    store.Store
	send     chan *protocol.ServerMessage
	subs     map[int]store.Subscription
	subsLock sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, r *Relay, l *zap.SugaredLogger) *Client {
	return &Client{
		conn:  conn,
		relay: r,
		log:   l,
		store: r.tree.Connect(),
		send:  make(chan *protocol.ServerMessage, sendQueueSize),
		subs:  make(map[int]store.Subscription),
		stop:  make(chan struct{}),
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Errorw("failed to serialize message", "error", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnw("ws read", "error", err)
			}
			break
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debugw("error parsing message", "error", err)
			c.queueMessage(protocol.ErrInvalidMessage(-1))
			continue
		}

		c.queueMessage(c.handle(context.Background(), &msg))
	}
}

// handle applies one client operation and returns the response for it.
func (c *Client) handle(ctx context.Context, msg *protocol.ClientMessage) *protocol.ServerMessage {
	var (
		data map[string]any
		err  error
	)

	switch {
	case msg.Get != nil:
		var snap store.Snapshot
		snap, err = c.store.Get(ctx, msg.Get.Path)
		if err == nil {
			data = map[string]any{"value": snap.Value, "exists": snap.Exists}
		}
	case msg.Set != nil:
		err = c.store.Set(ctx, msg.Set.Path, msg.Set.Value)
	case msg.Update != nil:
		err = c.store.Update(ctx, msg.Update.Path, msg.Update.Fields)
	case msg.Remove != nil:
		err = c.store.Remove(ctx, msg.Remove.Path)
	case msg.Subscribe != nil:
		err = c.subscribe(ctx, msg.Subscribe)
	case msg.Unsubscribe != nil:
		if !c.unsubscribe(msg.Unsubscribe.SubId) {
			return protocol.ErrNotFound(msg.Id)
		}
	case msg.OnDisconnect != nil:
		err = c.store.OnDisconnectRemove(ctx, msg.OnDisconnect.Path)
	case msg.CancelOnDisconnect != nil:
		err = c.store.CancelOnDisconnect(ctx, msg.CancelOnDisconnect.Path)
	default:
		return protocol.ErrInvalidMessage(msg.Id)
	}

	switch {
	case err == nil:
		return protocol.NoErrOK(msg.Id, data)
	case errors.Is(err, store.ErrClosed):
		return protocol.ErrServiceUnavailable(msg.Id)
	case errors.Is(err, store.ErrInvalidPath), errors.Is(err, errDuplicateSubscription):
		return protocol.ErrBadRequest(msg.Id, err)
	default:
		c.log.Errorw("operation failed", "id", msg.Id, "error", err)
		return protocol.ErrInternalError(msg.Id)
	}
}

func (c *Client) subscribe(ctx context.Context, req *protocol.Subscribe) error {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	if _, ok := c.subs[req.SubId]; ok {
		return errDuplicateSubscription
	}

	subId := req.SubId
	sub, err := c.store.Subscribe(ctx, req.Path, func(snap store.Snapshot) {
		c.queueEvent(protocol.NewEvent(subId, snap))
	})
	if err != nil {
		return err
	}

	c.subs[subId] = sub
	c.relay.stats.Incr(stats.ActiveSubscriptions)
	return nil
}

func (c *Client) unsubscribe(subId int) bool {
	c.subsLock.Lock()
	sub, ok := c.subs[subId]
	delete(c.subs, subId)
	c.subsLock.Unlock()

	if !ok {
		return false
	}
	sub.Unsubscribe()
	c.relay.stats.Decr(stats.ActiveSubscriptions)
	return true
}

func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

// queueEvent drops the client when it cannot keep up. Skipping an event
// would leave the client with a stale value it cannot detect.
func (c *Client) queueEvent(msg *protocol.ServerMessage) {
	if !c.queueMessage(msg) {
		c.stopClient()
	}
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warnw("write message", "error", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// cleanup detaches every subscription and closes the store connection,
// which applies the client's pending on-disconnect removals.
func (c *Client) cleanup() {
	c.relay.deRegister(c)

	c.subsLock.Lock()
	subs := c.subs
	c.subs = make(map[int]store.Subscription)
	c.subsLock.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
		c.relay.stats.Decr(stats.ActiveSubscriptions)
	}

	if err := c.store.Close(); err != nil {
		c.log.Warnw("close store connection", "error", err)
	}
	c.stopClient()
}
