// Package share builds and reads the links that invite someone into a room.
package share

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/npezzotti/go-pinboard/internal/collab"
)

// Param is the query parameter carrying the room code.
const Param = "room"

// Link returns base with the room code set as its query parameter.
func Link(base, code string) (string, error) {
	if err := collab.ValidateRoomCode(code); err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set(Param, code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RoomCode extracts the room code from s. s may be a share link or a bare
// code.
func RoomCode(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "?/:") {
		if err := collab.ValidateRoomCode(s); err != nil {
			return "", err
		}
		return s, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid link", collab.ErrValidation)
	}
	code := u.Query().Get(Param)
	if code == "" {
		return "", fmt.Errorf("%w: link has no room code", collab.ErrValidation)
	}
	if err := collab.ValidateRoomCode(code); err != nil {
		return "", err
	}
	return code, nil
}

// Strip removes the room code from link, leaving other parameters intact.
func Strip(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Del(Param)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
