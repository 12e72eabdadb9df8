package model

import "time"

// Entity is implemented by every persistent record.
type Entity interface {
	Kind() Kind
	EntityID() string
	SetEntityID(id string)
	Revision() int64
	SetRevision(rev int64)

	// Fields returns the persisted columns except id and revision.
	// Values are restricted to string, int64, bool, []byte and nil.
	Fields() Fields

	// References returns the ids of other records this record points at.
	References() []string
}

// Fields maps column names to column values.
type Fields map[string]any

// Record holds the identity and optimistic-lock revision of an entity.
// A record that has never been written has revision 0.
type Record struct {
	ID  string
	Rev int64
}

func (r *Record) EntityID() string      { return r.ID }
func (r *Record) SetEntityID(id string) { r.ID = id }
func (r *Record) Revision() int64       { return r.Rev }
func (r *Record) SetRevision(rev int64) { r.Rev = rev }

// Millis converts a time to the unix-millisecond column representation.
// The zero time maps to NULL.
func Millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis for a nullable column.
func FromMillis(ms int64, valid bool) time.Time {
	if !valid {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NullString maps the empty string to NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func refs(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
