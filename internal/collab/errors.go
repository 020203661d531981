package collab

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRoomNotFound     = errors.New("room not found")
	ErrValidation       = errors.New("validation failed")
	ErrPushFailure      = errors.New("push failed")
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrNotInRoom        = errors.New("not in a room")
	ErrMalformedRoom    = errors.New("malformed room record")
	ErrNoFreeCode       = errors.New("no free room code")
)

const MinNicknameLength = 2

var roomCodeRe = regexp.MustCompile(`^[0-9]{6}$`)

func ValidateRoomCode(code string) error {
	if !roomCodeRe.MatchString(code) {
		return fmt.Errorf("%w: room code must be 6 digits", ErrValidation)
	}
	return nil
}

func ValidateNickname(nickname string) error {
	if utf8.RuneCountInString(strings.TrimSpace(nickname)) < MinNicknameLength {
		return fmt.Errorf("%w: nickname must be at least %d characters", ErrValidation, MinNicknameLength)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
