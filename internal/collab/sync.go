package collab

import (
	"context"
	"fmt"
	"reflect"

	"github.com/npezzotti/go-pinboard/internal/schema"
	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/types"
)

// PushUpdate replaces the room's board with board. The whole board is
// written; concurrent pushes from other sessions resolve by last write.
func (s *Session) PushUpdate(ctx context.Context, board types.Board) error {
	if err := schema.ValidateBoard(board); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sid := s.id.Ensure()
	wire, err := SerializeBoard(board, sid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.role == RoleIdle {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	code := s.code
	gen := s.gen
	s.pendingEchoes++
	s.current = board.Clone()
	s.hasCurrent = true
	s.mu.Unlock()

	err = s.store.Update(ctx, s.roomPath(code), map[string]any{
		"board":      wire,
		"updatedAt":  store.ServerTimestamp(),
		"lastEditBy": sid,
	})
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if s.activeLocked(gen) && s.pendingEchoes > 0 {
		s.pendingEchoes--
	}
	s.mu.Unlock()

	err = fmt.Errorf("%w: %v", ErrPushFailure, err)
	s.log.Warnw("push update failed", "code", code, "board_id", board.Id, "error", err)
	s.enqueue(event{kind: pushFailureEvent, gen: gen, err: err})
	return err
}

// handleBoard applies one board notification. Echoes of our own writes are
// swallowed. A remote board that arrives while one of our pushes is still
// unacknowledged was written before that push and is dropped.
func (s *Session) handleBoard(ev event) {
	if !ev.snap.Exists {
		return
	}
	if err := schema.ValidateWire(ev.snap.Value); err != nil {
		s.log.Warnw("discarding invalid board payload", "error", err)
		return
	}
	board, editor, err := DeserializeBoard(ev.snap.Value)
	if err != nil {
		s.log.Warnw("discarding undecodable board payload", "error", err)
		return
	}

	s.mu.Lock()
	if !s.activeLocked(ev.gen) {
		s.mu.Unlock()
		return
	}
	if editor == s.id.Ensure() {
		if s.pendingEchoes > 0 {
			s.pendingEchoes--
		}
		s.mu.Unlock()
		return
	}
	if s.pendingEchoes > 0 {
		s.mu.Unlock()
		s.log.Debugw("dropping superseded board", "editor", editor)
		return
	}
	if err := schema.ValidateBoard(board); err != nil {
		s.mu.Unlock()
		s.log.Warnw("discarding invalid board", "editor", editor, "error", err)
		return
	}
	// a board equal to the one held changes nothing for observers
	if s.hasCurrent && reflect.DeepEqual(s.current, board) {
		s.mu.Unlock()
		return
	}
	s.current = board.Clone()
	s.hasCurrent = true
	s.mu.Unlock()

	for _, fn := range s.remoteObservers.snapshot() {
		fn(board.Clone())
	}
}
