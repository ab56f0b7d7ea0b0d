// Package pagination implements newest-first keyset paging over
// (created_at, id). Cursors are opaque to clients.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is the raw limit and cursor taken from a request.
type Params struct {
	Limit  int
	Cursor string
}

// Decode clamps the limit and parses the cursor.
func (p Params) Decode() (int, *Cursor, error) {
	cursor, err := ParseCursor(p.Cursor)
	if err != nil {
		return 0, nil, err
	}
	return NormalizeLimit(p.Limit), cursor, nil
}

// Cursor points at the last row of the previous page.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer asks for one extra row so callers can tell whether a next
// page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

func EncodeCursor(cursor Cursor) string {
	cursor.CreatedAt = cursor.CreatedAt.UTC()
	raw, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseCursor returns nil for an empty value.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.CreatedAt.IsZero() || c.ID == uuid.Nil {
		return nil, errors.New("invalid cursor: missing position")
	}
	return &c, nil
}

// Keyset is a gorm scope that orders newest first and resumes after cursor.
// table qualifies the columns when the query joins other tables; pass "" for
// a single-table query.
func Keyset(table string, cursor *Cursor, limit int) func(*gorm.DB) *gorm.DB {
	createdAt, id := "created_at", "id"
	if table != "" {
		createdAt, id = table+".created_at", table+".id"
	}
	return func(db *gorm.DB) *gorm.DB {
		if cursor != nil {
			db = db.Where(
				fmt.Sprintf("(%[1]s < ? OR (%[1]s = ? AND %[2]s < ?))", createdAt, id),
				cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
			)
		}
		return db.Order(createdAt + " DESC").Order(id + " DESC").Limit(LimitWithBuffer(limit))
	}
}

// Trim cuts a Keyset result back to the page size and returns the cursor for
// the next page, or nil on the last page.
func Trim[T any](rows []T, limit int, position func(T) Cursor) ([]T, *Cursor) {
	size := NormalizeLimit(limit)
	if len(rows) <= size {
		return rows, nil
	}
	next := position(rows[size-1])
	return rows[:size], &next
}
