package collab

import (
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/types"
)

// LastEditByField is the transient field added to a board on the wire to
// identify the session that wrote it.
const LastEditByField = "_lastEditBy"

type wireBoard struct {
	types.Board
	LastEditBy string `json:"_lastEditBy,omitempty"`
}

// SerializeBoard returns the store representation of b tagged with the
// writing session.
func SerializeBoard(b types.Board, sessionId string) (map[string]any, error) {
	v, err := store.Normalize(wireBoard{Board: b, LastEditBy: sessionId})
	if err != nil {
		return nil, fmt.Errorf("serialize board: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("serialize board: unexpected %T", v)
	}
	return m, nil
}

// DeserializeBoard strips the last-editor tag from a store value and returns
// the board together with the tag.
func DeserializeBoard(v any) (types.Board, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return types.Board{}, "", fmt.Errorf("deserialize board: %w", err)
	}

	var w wireBoard
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.Board{}, "", fmt.Errorf("deserialize board: %w", err)
	}
	return w.Board, w.LastEditBy, nil
}
