package collab

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/types"
)

// GenerateCode returns a room code drawn uniformly from [100000, 999999].
func GenerateCode() string {
	return strconv.Itoa(100000 + rand.IntN(900000))
}

func (s *Session) roomPath(code string) string {
	return store.Join(s.opts.Root, code)
}

func (s *Session) boardPath(code string) string {
	return store.Join(s.opts.Root, code, "board")
}

func (s *Session) presencePath(code string) string {
	return store.Join(s.opts.Root, code, "presence")
}

func (s *Session) presenceEntryPath(code string) string {
	return store.Join(s.opts.Root, code, "presence", s.id.Ensure())
}

// allocateCode draws codes until it finds one with no room record. The check
// and the later write are not atomic, so two hosts can still race for the
// same code.
func (s *Session) allocateCode(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= s.opts.MaxCodeAttempts; attempt++ {
		code := s.opts.GenerateCode()
		snap, err := s.store.Get(ctx, s.roomPath(code))
		if err != nil {
			return "", unavailable("check room code", err)
		}
		if !snap.Exists {
			return code, nil
		}
		s.log.Infow("room code taken, regenerating", "code", code, "attempt", attempt)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrNoFreeCode, s.opts.MaxCodeAttempts)
}

// enterLocked switches the session into a room and returns the generation
// that tags its notifications.
func (s *Session) enterLocked(role Role, code string, board types.Board, pendingEchoes int) uint64 {
	s.gen++
	s.role = role
	s.code = code
	s.current = board.Clone()
	s.hasCurrent = true
	s.pendingEchoes = pendingEchoes
	s.presence = 1
	return s.gen
}

// resetLocked returns the session to idle and hands back the subscriptions
// that still need detaching.
func (s *Session) resetLocked() []store.Subscription {
	subs := make([]store.Subscription, 0, 2)
	if s.boardSub != nil {
		subs = append(subs, s.boardSub)
	}
	if s.presenceSub != nil {
		subs = append(subs, s.presenceSub)
	}

	s.gen++
	s.role = RoleIdle
	s.code = ""
	s.boardSub = nil
	s.presenceSub = nil
	s.current = types.Board{}
	s.hasCurrent = false
	s.pendingEchoes = 0
	s.presence = 0
	return subs
}

func (s *Session) abort(subs []store.Subscription) {
	s.mu.Lock()
	subs = append(subs, s.resetLocked()...)
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Debugw("unsubscribe failed", "error", err)
		}
	}
}

// CreateRoom publishes board under a new room code and makes this session
// its host.
func (s *Session) CreateRoom(ctx context.Context, board types.Board) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("create room: %w", ErrStoreUnavailable)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Role() != RoleIdle {
		return "", ErrAlreadyInRoom
	}

	code, err := s.allocateCode(ctx)
	if err != nil {
		return "", err
	}

	sid := s.id.Ensure()
	wire, err := SerializeBoard(board, sid)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	// the room write below comes back as one echo on the board subscription
	gen := s.enterLocked(RoleHosting, code, board, 1)
	s.mu.Unlock()

	boardSub, err := s.store.Subscribe(ctx, s.boardPath(code), s.subscriber(boardEvent, gen))
	if err != nil {
		s.abort(nil)
		return "", unavailable("subscribe board", err)
	}

	room := map[string]any{
		"code":       code,
		"boardId":    board.Id,
		"hostId":     sid,
		"board":      wire,
		"createdAt":  store.ServerTimestamp(),
		"updatedAt":  store.ServerTimestamp(),
		"lastEditBy": sid,
	}
	if err := s.store.Set(ctx, s.roomPath(code), room); err != nil {
		s.abort([]store.Subscription{boardSub})
		return "", unavailable("write room", err)
	}

	presenceSub := s.startPresence(ctx, code, gen)

	s.mu.Lock()
	s.boardSub = boardSub
	s.presenceSub = presenceSub
	s.mu.Unlock()

	s.log.Infow("room created", "code", code, "board_id", board.Id)
	return code, nil
}

// JoinRoom fetches the room stored under code, adopts its board and starts
// following it as a guest.
func (s *Session) JoinRoom(ctx context.Context, code, nickname string) (types.Board, error) {
	if err := ValidateRoomCode(code); err != nil {
		return types.Board{}, err
	}
	if err := ValidateNickname(nickname); err != nil {
		return types.Board{}, err
	}
	if s.store == nil {
		return types.Board{}, fmt.Errorf("join room: %w", ErrStoreUnavailable)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Role() != RoleIdle {
		return types.Board{}, ErrAlreadyInRoom
	}

	snap, err := s.store.Get(ctx, s.roomPath(code))
	if err != nil {
		return types.Board{}, unavailable("fetch room", err)
	}
	if !snap.Exists {
		return types.Board{}, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}

	record, ok := snap.Value.(map[string]any)
	if !ok {
		return types.Board{}, fmt.Errorf("%w: %s", ErrMalformedRoom, code)
	}
	// leftover presence entries alone do not make a room
	if record["board"] == nil {
		return types.Board{}, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	board, _, err := DeserializeBoard(record["board"])
	if err != nil {
		return types.Board{}, fmt.Errorf("%w: %v", ErrMalformedRoom, err)
	}

	s.id.SetNickname(nickname)

	s.mu.Lock()
	gen := s.enterLocked(RoleGuest, code, board, 0)
	s.mu.Unlock()

	boardSub, err := s.store.Subscribe(ctx, s.boardPath(code), s.subscriber(boardEvent, gen))
	if err != nil {
		s.abort(nil)
		return types.Board{}, unavailable("subscribe board", err)
	}

	presenceSub := s.startPresence(ctx, code, gen)

	s.mu.Lock()
	s.boardSub = boardSub
	s.presenceSub = presenceSub
	s.mu.Unlock()

	s.log.Infow("joined room", "code", code, "nickname", s.id.Nickname())
	return board.Clone(), nil
}

// LeaveRoom removes this session's presence entry and detaches from the
// room. It never fails: cleanup errors are logged and dropped.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.role == RoleIdle {
		s.mu.Unlock()
		return nil
	}
	code := s.code
	subs := s.resetLocked()
	s.mu.Unlock()

	entry := s.presenceEntryPath(code)
	if err := s.store.Remove(ctx, entry); err != nil {
		s.log.Debugw("remove presence entry failed", "code", code, "error", err)
	}
	if err := s.store.CancelOnDisconnect(ctx, entry); err != nil {
		s.log.Debugw("cancel on-disconnect failed", "code", code, "error", err)
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Debugw("unsubscribe failed", "code", code, "error", err)
		}
	}

	s.log.Infow("left room", "code", code)
	return nil
}
