// Package collab lets several clients hold the same board open through a
// shared realtime store. A Session owns one client's room handle: its role,
// the active subscriptions and the last accepted board.
package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-pinboard/internal/identity"
	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/types"
	"go.uber.org/zap"
)

type Role int

const (
	RoleIdle Role = iota
	RoleHosting
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHosting:
		return "hosting"
	case RoleGuest:
		return "guest"
	default:
		return "idle"
	}
}

const (
	defaultRoot            = "rooms"
	defaultMaxCodeAttempts = 5
	eventQueueSize         = 64
	leaveTimeout           = 5 * time.Second
)

type Options struct {
	// Root is the store path rooms are created under.
	Root string
	// MaxCodeAttempts bounds how many codes CreateRoom tries before giving up
	// when every generated code is already taken.
	MaxCodeAttempts int
	// GenerateCode overrides the room code generator.
	GenerateCode func() string
}

type eventKind int

const (
	boardEvent eventKind = iota
	presenceEvent
	pushFailureEvent
)

type event struct {
	kind eventKind
	gen  uint64
	snap store.Snapshot
	err  error
}

type Session struct {
	store store.Store
	id    *identity.Identity
	log   *zap.SugaredLogger
	opts  Options

	// lifecycle serializes CreateRoom, JoinRoom and LeaveRoom.
	lifecycle sync.Mutex

	mu            sync.Mutex
	role          Role
	code          string
	gen           uint64
	boardSub      store.Subscription
	presenceSub   store.Subscription
	current       types.Board
	hasCurrent    bool
	pendingEchoes int
	presence      int

	remoteObservers      registry[types.Board]
	presenceObservers    registry[int]
	pushFailureObservers registry[error]

	events     chan event
	delivering atomic.Bool
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSession returns an idle session. A nil store is accepted; room
// operations then fail with ErrStoreUnavailable.
func NewSession(st store.Store, id *identity.Identity, logger *zap.SugaredLogger, opts Options) *Session {
	if opts.Root == "" {
		opts.Root = defaultRoot
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = defaultMaxCodeAttempts
	}
	if opts.GenerateCode == nil {
		opts.GenerateCode = GenerateCode
	}
	if id == nil {
		id = identity.Default()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Session{
		store:  st,
		id:     id,
		log:    logger.With("session_id", id.Ensure()),
		opts:   opts,
		events: make(chan event, eventQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// run delivers store notifications to observers one at a time. Nothing is
// delivered once stop is closed, even with events still queued.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		select {
		case ev := <-s.events:
			s.delivering.Store(true)
			s.dispatch(ev)
			s.delivering.Store(false)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	switch ev.kind {
	case boardEvent:
		s.handleBoard(ev)
	case presenceEvent:
		s.handlePresence(ev)
	case pushFailureEvent:
		for _, fn := range s.pushFailureObservers.snapshot() {
			fn(ev.err)
		}
	}
}

func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *Session) subscriber(kind eventKind, gen uint64) func(store.Snapshot) {
	return func(snap store.Snapshot) {
		s.enqueue(event{kind: kind, gen: gen, snap: snap})
	}
}

// activeLocked reports whether a notification tagged with gen still belongs
// to the current room.
func (s *Session) activeLocked(gen uint64) bool {
	return s.role != RoleIdle && gen == s.gen
}

// Close leaves the active room, if any, and stops observer delivery. It may
// be called from an observer; it then returns without waiting for that
// observer to finish.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		s.LeaveRoom(ctx)
		close(s.stop)
		if !s.delivering.Load() {
			<-s.done
		}
	})
	return nil
}

func (s *Session) SessionId() string {
	return s.id.Ensure()
}

func (s *Session) Nickname() string {
	return s.id.Nickname()
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) IsHost() bool {
	return s.Role() == RoleHosting
}

// RoomCode returns the active room code, or "" when idle.
func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Board returns the last board accepted from a local push or a remote
// notification while in a room.
func (s *Session) Board() (types.Board, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCurrent {
		return types.Board{}, false
	}
	return s.current.Clone(), true
}

// PresenceCount returns the last reported participant count, or 0 when idle.
func (s *Session) PresenceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// OnRemoteUpdate registers fn to receive boards written by other sessions.
// The returned function unregisters it.
func (s *Session) OnRemoteUpdate(fn func(types.Board)) func() {
	return s.remoteObservers.add(fn)
}

// OnPresence registers fn to receive the participant count of the room.
func (s *Session) OnPresence(fn func(int)) func() {
	return s.presenceObservers.add(fn)
}

// OnPushFailure registers fn to receive errors from PushUpdate.
func (s *Session) OnPushFailure(fn func(error)) func() {
	return s.pushFailureObservers.add(fn)
}

type registry[T any] struct {
	mu      sync.Mutex
	next    int
	entries []registryEntry[T]
}

type registryEntry[T any] struct {
	id int
	fn func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.entries = append(r.entries, registryEntry[T]{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.entries {
			if e.id == id {
				r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

func (r *registry[T]) snapshot() []func(T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fns := make([]func(T), len(r.entries))
	for i, e := range r.entries {
		fns[i] = e.fn
	}
	return fns
}
