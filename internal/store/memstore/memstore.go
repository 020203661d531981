// Package memstore is an in-process realtime store. A Tree holds the shared
// data; every participant talks to it through its own Conn so that
// on-disconnect actions can be tied to a connection.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-pinboard/internal/store"
	"go.uber.org/zap"
)

type Option func(*Tree)

// WithClock replaces the clock used to resolve server timestamps.
func WithClock(clock func() time.Time) Option {
	return func(t *Tree) {
		t.clock = clock
	}
}

type subscription struct {
	id    int
	path  string
	parts []string
	mb    *store.Mailbox
	conn  *Conn
}

type Tree struct {
	mu        sync.Mutex
	root      any
	subs      map[int]*subscription
	nextSubId int
	clock     func() time.Time
	hooks     []func(touched [][]string)
	log       *zap.SugaredLogger
}

func NewTree(logger *zap.SugaredLogger, opts ...Option) *Tree {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &Tree{
		subs:  make(map[int]*subscription),
		clock: time.Now,
		log:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnWrite registers fn to be called after every applied write with the
// paths it touched. Hooks run on the writer's goroutine after the tree lock
// is released.
func (t *Tree) OnWrite(fn func(touched [][]string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Value returns a copy of the value at path.
func (t *Tree) Value(path string) (any, error) {
	parts, err := store.Split(path)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return store.Clone(store.ValueAt(t.root, parts)), nil
}

// Load replaces the value at path without resolving server values. Used to
// restore persisted data before any connection is opened.
func (t *Tree) Load(path string, v any) error {
	parts, err := store.Split(path)
	if err != nil {
		return err
	}
	v, err = store.Normalize(v)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = store.SetAt(t.root, parts, v)
	return nil
}

// Connect opens a new connection to the tree.
func (t *Tree) Connect() *Conn {
	return &Conn{
		tree:         t,
		onDisconnect: make(map[string]struct{}),
		subs:         make(map[int]struct{}),
	}
}

func (t *Tree) now() int64 {
	return t.clock().UnixMilli()
}

func (t *Tree) set(parts []string, v any) error {
	v, err := store.Normalize(v)
	if err != nil {
		return fmt.Errorf("normalize value: %w", err)
	}

	t.mu.Lock()
	v = store.ResolveServerValues(v, t.now())
	t.root = store.SetAt(t.root, parts, v)
	hooks := t.notifyLocked([][]string{parts})
	t.mu.Unlock()

	runHooks(hooks, [][]string{parts})
	return nil
}

func (t *Tree) update(parts []string, fields map[string]any) error {
	touched, err := store.Touched(parts, fields)
	if err != nil {
		return err
	}
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := store.Normalize(v)
		if err != nil {
			return fmt.Errorf("normalize field %q: %w", k, err)
		}
		normalized[k] = nv
	}

	t.mu.Lock()
	now := t.now()
	for k, v := range normalized {
		normalized[k] = store.ResolveServerValues(v, now)
	}
	root, err := store.UpdateAt(t.root, parts, normalized)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.root = root
	hooks := t.notifyLocked(touched)
	t.mu.Unlock()

	runHooks(hooks, touched)
	return nil
}

func (t *Tree) notifyLocked(touched [][]string) []func([][]string) {
	for _, sub := range t.subs {
		for _, p := range touched {
			if store.Related(sub.parts, p) {
				sub.mb.Post(store.NewSnapshot(sub.path, store.Clone(store.ValueAt(t.root, sub.parts))))
				break
			}
		}
	}
	return t.hooks
}

func runHooks(hooks []func([][]string), touched [][]string) {
	for _, h := range hooks {
		h(touched)
	}
}

func (t *Tree) subscribe(c *Conn, path string, parts []string, fn func(store.Snapshot)) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSubId++
	sub := &subscription{
		id:    t.nextSubId,
		path:  path,
		parts: parts,
		mb:    store.NewMailbox(fn),
		conn:  c,
	}
	t.subs[sub.id] = sub
	sub.mb.Post(store.NewSnapshot(path, store.Clone(store.ValueAt(t.root, parts))))
	return sub
}

func (t *Tree) unsubscribe(id int) {
	t.mu.Lock()
	sub, ok := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()

	if ok {
		sub.mb.Close()
	}
}

// Conn is one client's connection to a Tree. It implements store.Store.
type Conn struct {
	tree         *Tree
	mu           sync.Mutex
	closed       bool
	onDisconnect map[string]struct{}
	subs         map[int]struct{}
}

var _ store.Store = (*Conn)(nil)

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	return nil
}

func (c *Conn) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return store.Snapshot{}, err
	}
	v, err := c.tree.Value(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(path, v), nil
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	parts, err := store.Split(path)
	if err != nil {
		return err
	}
	return c.tree.set(parts, value)
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	parts, err := store.Split(path)
	if err != nil {
		return err
	}
	return c.tree.update(parts, fields)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

func (c *Conn) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	parts, err := store.Split(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}

	sub := c.tree.subscribe(c, store.Join(parts...), parts, fn)
	c.subs[sub.id] = struct{}{}

	return store.SubscriptionFunc(func() error {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		c.tree.unsubscribe(sub.id)
		return nil
	}), nil
}

func (c *Conn) OnDisconnectRemove(ctx context.Context, path string) error {
	parts, err := store.Split(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	c.onDisconnect[store.Join(parts...)] = struct{}{}
	return nil
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	parts, err := store.Split(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	delete(c.onDisconnect, store.Join(parts...))
	return nil
}

// Close ends the connection. Subscriptions are dropped and every pending
// on-disconnect removal is applied.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	pending := c.onDisconnect
	c.subs = nil
	c.onDisconnect = nil
	c.mu.Unlock()

	for id := range subs {
		c.tree.unsubscribe(id)
	}

	for path := range pending {
		parts, _ := store.Split(path)
		if err := c.tree.set(parts, nil); err != nil {
			c.tree.log.Warnw("on-disconnect removal failed", "path", path, "error", err)
			continue
		}
		c.tree.log.Debugw("on-disconnect removal applied", "path", path)
	}
	return nil
}

// PendingOnDisconnect returns the number of registered on-disconnect actions.
func (c *Conn) PendingOnDisconnect() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.onDisconnect)
}
