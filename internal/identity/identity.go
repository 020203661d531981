// Package identity holds the session identifier and display nickname of the
// running client.
package identity

import (
	"sync"

	"github.com/npezzotti/go-pinboard/internal/types"
	"github.com/oklog/ulid/v2"
)

type Identity struct {
	mu       sync.RWMutex
	id       string
	nickname string
}

var (
	defaultOnce     sync.Once
	defaultIdentity *Identity
)

// Default returns the process-wide identity.
func Default() *Identity {
	defaultOnce.Do(func() {
		defaultIdentity = New()
	})
	return defaultIdentity
}

// New returns an identity whose id is allocated on the first call to Ensure.
func New() *Identity {
	return &Identity{}
}

// Ensure returns the session id, allocating it on first use.
func (i *Identity) Ensure() string {
	i.mu.RLock()
	id := i.id
	i.mu.RUnlock()
	if id != "" {
		return id
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.id == "" {
		i.id = ulid.Make().String()
	}
	return i.id
}

// SetNickname stores the trimmed nickname truncated to 24 characters and
// returns the stored value. Length rules for join credentials are left to the
// caller.
func (i *Identity) SetNickname(s string) string {
	s = types.TruncateNickname(s)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.nickname = s
	return s
}

func (i *Identity) Nickname() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.nickname
}
