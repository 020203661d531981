package collab

import (
	"context"

	"github.com/npezzotti/go-pinboard/internal/store"
)

// startPresence announces this session in the room and subscribes to the
// presence map. Failures are logged: a room without presence still syncs.
func (s *Session) startPresence(ctx context.Context, code string, gen uint64) store.Subscription {
	entry := s.presenceEntryPath(code)
	if err := s.store.OnDisconnectRemove(ctx, entry); err != nil {
		s.log.Warnw("register on-disconnect failed", "code", code, "error", err)
	}

	err := s.store.Set(ctx, entry, map[string]any{
		"sessionId": s.id.Ensure(),
		"nickname":  s.id.Nickname(),
		"joinedAt":  store.ServerTimestamp(),
		"active":    true,
	})
	if err != nil {
		s.log.Warnw("announce presence failed", "code", code, "error", err)
	}

	sub, err := s.store.Subscribe(ctx, s.presencePath(code), s.subscriber(presenceEvent, gen))
	if err != nil {
		s.log.Warnw("subscribe presence failed", "code", code, "error", err)
		return nil
	}
	return sub
}

func (s *Session) handlePresence(ev event) {
	count := s.countPresence(ev.snap)

	s.mu.Lock()
	if !s.activeLocked(ev.gen) {
		s.mu.Unlock()
		return
	}
	s.presence = count
	s.mu.Unlock()

	for _, fn := range s.presenceObservers.snapshot() {
		fn(count)
	}
}

// countPresence counts the distinct sessions in a presence snapshot. This
// session is always counted, so the result is never below one.
func (s *Session) countPresence(snap store.Snapshot) int {
	self := s.id.Ensure()
	entries, ok := snap.Value.(map[string]any)
	if !snap.Exists || !ok {
		return 1
	}

	count := len(entries)
	if _, ok := entries[self]; !ok {
		count++
	}
	return count
}
