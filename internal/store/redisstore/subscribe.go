package redisstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/redis/go-redis/v9"
)

type subscription struct {
	id    int
	path  string
	parts []string
	rel   []string
	mb    *store.Mailbox

	// notifications are held back until the initial snapshot is posted
	mu       sync.Mutex
	ready    bool
	lastSeen int64
	backlog  []notification
}

func (sub *subscription) related(touched []string) bool {
	for _, t := range touched {
		parts, err := store.Split(t)
		if err != nil {
			continue
		}
		if store.Related(sub.parts, parts) {
			return true
		}
	}
	return false
}

func (sub *subscription) deliver(n notification) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.ready {
		sub.backlog = append(sub.backlog, n)
		return
	}
	sub.postLocked(n)
}

func (sub *subscription) postLocked(n notification) {
	if n.V <= sub.lastSeen || !sub.related(n.Touched) {
		return
	}
	sub.lastSeen = n.V
	sub.mb.Post(store.NewSnapshot(sub.path, store.ValueAt(n.Data, sub.rel)))
}

// start posts the initial snapshot and then any notification newer than it.
func (sub *subscription) start(rec record) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.mb.Post(store.NewSnapshot(sub.path, store.ValueAt(rec.Data, sub.rel)))
	sub.lastSeen = rec.V
	sub.ready = true
	for _, n := range sub.backlog {
		sub.postLocked(n)
	}
	sub.backlog = nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	parts, doc, rel, err := split(path)
	if err != nil {
		return nil, err
	}
	channel := s.key("chan", doc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.nextSubId++
	sub := &subscription{
		id:       s.nextSubId,
		path:     store.Join(parts...),
		parts:    parts,
		rel:      rel,
		mb:       store.NewMailbox(fn),
		lastSeen: -1,
	}
	cs, ok := s.channels[channel]
	if !ok {
		cs = &channelState{
			subs:  make(map[int]*subscription),
			ready: make(chan struct{}),
		}
		s.channels[channel] = cs
	}
	cs.subs[sub.id] = sub
	s.mu.Unlock()

	if !ok {
		if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			s.drop(channel, sub.id)
			return nil, err
		}
	}

	// the document may only be read once the channel is live, otherwise a
	// write landing in between would be missed
	select {
	case <-cs.ready:
	case <-ctx.Done():
		s.drop(channel, sub.id)
		return nil, ctx.Err()
	}

	rec, err := s.load(ctx, s.client, doc)
	if err != nil {
		s.drop(channel, sub.id)
		return nil, err
	}
	sub.start(rec)

	return store.SubscriptionFunc(func() error {
		s.drop(channel, sub.id)
		return nil
	}), nil
}

func (s *Store) drop(channel string, subId int) {
	s.mu.Lock()
	cs, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub, ok := cs.subs[subId]
	delete(cs.subs, subId)
	empty := len(cs.subs) == 0
	if empty {
		delete(s.channels, channel)
	}
	s.mu.Unlock()

	if ok {
		sub.mb.Close()
	}
	if empty {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
			s.log.Debugw("unsubscribe channel failed", "channel", channel, "error", err)
		}
	}
}

// route reads the shared pub/sub connection until it is closed.
func (s *Store) route(ch <-chan any) {
	defer close(s.routerDone)
	for msg := range ch {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.mu.Lock()
				cs := s.channels[m.Channel]
				s.mu.Unlock()
				if cs != nil {
					cs.markReady()
				}
			}
		case *redis.Message:
			s.dispatch(m.Channel, m.Payload)
		}
	}
}

func (s *Store) dispatch(channel, payload string) {
	var n notification
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&n); err != nil {
		s.log.Warnw("discarding malformed notification", "channel", channel, "error", err)
		return
	}

	s.mu.Lock()
	cs := s.channels[channel]
	var subs []*subscription
	if cs != nil {
		subs = make([]*subscription, 0, len(cs.subs))
		for _, sub := range cs.subs {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(n)
	}
}
