// Package redisstore implements store.Store on Redis.
//
// The first two path segments name a document (rooms/123456), kept as one
// JSON value with a version counter. Writes run in WATCH/MULTI transactions
// that bump the version and publish the new document on the document's
// channel, so subscribers see writes in version order. Redis has no
// disconnect hooks: each Store refreshes a liveness key, and any Store may
// apply the removals of a peer whose key expired.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	docDepth     = 2
	maxTxRetries = 16
	closeTimeout = 5 * time.Second
)

var ErrConflict = errors.New("redisstore: too many concurrent writers")

type Options struct {
	// Prefix is prepended to every key and channel.
	Prefix string
	// Heartbeat is how often the liveness key is refreshed.
	Heartbeat time.Duration
	// LivenessTimeout is how long a silent connection counts as alive.
	LivenessTimeout time.Duration
	// SweepInterval is how often expired peers are cleaned up.
	SweepInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "pinboard:"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 3 * o.Heartbeat
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 2 * o.Heartbeat
	}
}

type record struct {
	V    int64 `json:"v"`
	Data any   `json:"data"`
}

type notification struct {
	V       int64    `json:"v"`
	Touched []string `json:"touched"`
	Data    any      `json:"data"`
}

type Store struct {
	client     *redis.Client
	ownsClient bool
	log        *zap.SugaredLogger
	opts       Options
	connId     string

	pubsub *redis.PubSub

	mu        sync.Mutex
	closed    bool
	nextSubId int
	channels  map[string]*channelState

	stop       chan struct{}
	loopDone   chan struct{}
	routerDone chan struct{}
	closeOnce  sync.Once
}

type channelState struct {
	subs      map[int]*subscription
	ready     chan struct{}
	readyOnce sync.Once
}

func (cs *channelState) markReady() {
	cs.readyOnce.Do(func() { close(cs.ready) })
}

var _ store.Store = (*Store)(nil)

// Dial connects to the Redis server at url. A url that does not parse as a
// redis:// URL is used as a plain host:port address.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		ropts = &redis.Options{Addr: url}
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s, err := New(ctx, client, logger, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// New starts a store connection on an existing client. The client stays
// owned by the caller.
func New(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger, opts Options) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts.setDefaults()

	s := &Store{
		client:     client,
		opts:       opts,
		connId:     ulid.Make().String(),
		channels:   make(map[string]*channelState),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		routerDone: make(chan struct{}),
	}
	s.log = logger.With("conn_id", s.connId)

	if err := s.heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}

	s.pubsub = client.Subscribe(ctx)
	go s.route(s.pubsub.ChannelWithSubscriptions())
	go s.loop()
	return s, nil
}

func (s *Store) key(kind, name string) string {
	return s.opts.Prefix + kind + ":" + name
}

func (s *Store) aliveKey(connId string) string {
	return s.key("alive", connId)
}

func (s *Store) onDisconnectKey(connId string) string {
	return s.key("ondisconnect", connId)
}

func (s *Store) connsKey() string {
	return s.opts.Prefix + "conns"
}

// split validates path and returns the document name and the segments
// below it.
func split(path string) ([]string, string, []string, error) {
	parts, err := store.Split(path)
	if err != nil {
		return nil, "", nil, err
	}
	if len(parts) < docDepth {
		return nil, "", nil, fmt.Errorf("%w: %q is above document level", store.ErrInvalidPath, path)
	}
	return parts, store.Join(parts[:docDepth]...), parts[docDepth:], nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func decodeRecord(raw []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("decode document: %w", err)
	}
	return rec, nil
}

func (s *Store) load(ctx context.Context, cmd redis.Cmdable, doc string) (record, error) {
	raw, err := cmd.Get(ctx, s.key("doc", doc)).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, nil
	}
	if err != nil {
		return record{}, err
	}
	return decodeRecord(raw)
}

func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return store.Snapshot{}, err
	}
	_, doc, rel, err := split(path)
	if err != nil {
		return store.Snapshot{}, err
	}

	rec, err := s.load(ctx, s.client, doc)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(path, store.ValueAt(rec.Data, rel)), nil
}

// write applies fn to the document in an optimistic transaction and
// publishes the result. fn receives the Redis server time for resolving
// server timestamps.
func (s *Store) write(ctx context.Context, doc string, touched [][]string, fn func(data any, now int64) (any, error)) error {
	key := s.key("doc", doc)
	channel := s.key("chan", doc)

	paths := make([]string, len(touched))
	for i, p := range touched {
		paths[i] = store.Join(p...)
	}

	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, doc)
		if err != nil {
			return err
		}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}

		data, err := fn(rec.Data, now.UnixMilli())
		if err != nil {
			return err
		}

		// removed documents keep their version so subscribers never see it
		// move backwards
		next := record{V: rec.V + 1, Data: data}
		rawRec, err := json.Marshal(next)
		if err != nil {
			return err
		}
		rawNote, err := json.Marshal(notification{V: next.V, Touched: paths, Data: data})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, rawRec, 0)
			pipe.Publish(ctx, channel, rawNote)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, doc)
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.set(ctx, path, value)
}

func (s *Store) set(ctx context.Context, path string, value any) error {
	parts, doc, rel, err := split(path)
	if err != nil {
		return err
	}
	value, err = store.Normalize(value)
	if err != nil {
		return fmt.Errorf("normalize value: %w", err)
	}

	return s.write(ctx, doc, [][]string{parts}, func(data any, now int64) (any, error) {
		return store.SetAt(data, rel, store.ResolveServerValues(store.Clone(value), now)), nil
	})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	parts, doc, rel, err := split(path)
	if err != nil {
		return err
	}
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

	return s.write(ctx, doc, touched, func(data any, now int64) (any, error) {
		resolved := make(map[string]any, len(normalized))
		for k, v := range normalized {
			resolved[k] = store.ResolveServerValues(store.Clone(v), now)
		}
		return store.UpdateAt(data, rel, resolved)
	})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *Store) OnDisconnectRemove(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	parts, _, _, err := split(path)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.onDisconnectKey(s.connId), store.Join(parts...))
		pipe.SAdd(ctx, s.connsKey(), s.connId)
		return nil
	})
	return err
}

func (s *Store) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	parts, _, _, err := split(path)
	if err != nil {
		return err
	}
	return s.client.SRem(ctx, s.onDisconnectKey(s.connId), store.Join(parts...)).Err()
}

func (s *Store) heartbeat(ctx context.Context) error {
	return s.client.Set(ctx, s.aliveKey(s.connId), "1", s.opts.LivenessTimeout).Err()
}

func (s *Store) loop() {
	defer close(s.loopDone)

	beat := time.NewTicker(s.opts.Heartbeat)
	defer beat.Stop()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-beat.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Heartbeat)
			if err := s.heartbeat(ctx); err != nil {
				s.log.Warnw("heartbeat failed", "error", err)
			}
			cancel()
		case <-sweep.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.SweepInterval)
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Warnw("sweep failed", "error", err)
			} else if n > 0 {
				s.log.Infow("cleaned up expired connections", "count", n)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Sweep applies the on-disconnect removals of every connection whose
// liveness key has expired and returns how many it cleaned up. Concurrent
// sweepers claim a connection by removing it from the registry, so each is
// cleaned up once.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	conns, err := s.client.SMembers(ctx, s.connsKey()).Result()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, id := range conns {
		if id == s.connId {
			continue
		}
		alive, err := s.client.Exists(ctx, s.aliveKey(id)).Result()
		if err != nil {
			return cleaned, err
		}
		if alive > 0 {
			continue
		}

		claimed, err := s.client.SRem(ctx, s.connsKey(), id).Result()
		if err != nil {
			return cleaned, err
		}
		if claimed == 0 {
			continue
		}

		s.applyOnDisconnect(ctx, id)
		cleaned++
	}
	return cleaned, nil
}

func (s *Store) applyOnDisconnect(ctx context.Context, connId string) {
	key := s.onDisconnectKey(connId)
	paths, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		s.log.Warnw("read on-disconnect actions failed", "peer", connId, "error", err)
		return
	}

	for _, path := range paths {
		if err := s.set(ctx, path, nil); err != nil {
			s.log.Warnw("on-disconnect removal failed", "peer", connId, "path", path, "error", err)
			continue
		}
		s.log.Debugw("on-disconnect removal applied", "peer", connId, "path", path)
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.log.Warnw("clear on-disconnect actions failed", "peer", connId, "error", err)
	}
}

// Close applies this connection's on-disconnect removals, drops every
// subscription and stops the heartbeat.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		channels := s.channels
		s.channels = make(map[string]*channelState)
		s.mu.Unlock()

		close(s.stop)
		<-s.loopDone

		for _, cs := range channels {
			for _, sub := range cs.subs {
				sub.mb.Close()
			}
		}
		err = s.pubsub.Close()
		select {
		case <-s.routerDone:
		case <-time.After(closeTimeout):
			s.log.Warn("pub/sub reader did not stop")
		}

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		s.applyOnDisconnect(ctx, s.connId)
		s.client.SRem(ctx, s.connsKey(), s.connId)
		s.client.Del(ctx, s.aliveKey(s.connId))

		if s.ownsClient {
			if cerr := s.client.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
