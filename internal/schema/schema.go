// Package schema validates board payloads received from the store before
// they reach application code.
package schema

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/npezzotti/go-pinboard/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed board.schema.json
var boardSchemaJSON string

var boardSchema = jsonschema.MustCompileString("board.schema.json", boardSchemaJSON)

var ErrDuplicatePost = errors.New("duplicate post id")

// ValidateWire checks a generic JSON value (as held by the store) against
// the board schema.
func ValidateWire(v any) error {
	if err := boardSchema.Validate(v); err != nil {
		return fmt.Errorf("board schema: %w", err)
	}
	return nil
}

// ValidateBoard checks invariants the schema cannot express.
func ValidateBoard(b types.Board) error {
	seen := make(map[string]struct{}, len(b.Posts))
	for _, p := range b.Posts {
		if _, ok := seen[p.Id]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicatePost, p.Id)
		}
		seen[p.Id] = struct{}{}
	}
	return nil
}
