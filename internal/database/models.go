package database

import (
	"encoding/json"
	"time"
)

// Record is the persisted value of one store document, such as a room.
type Record struct {
	Path      string
	Value     json.RawMessage
	UpdatedAt time.Time
}
