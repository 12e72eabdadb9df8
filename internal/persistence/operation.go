package persistence

import (
	"fmt"
	"strings"

	"github.com/roach88/conductor/internal/model"
)

// OperationType identifies a pending write.
type OperationType int

const (
	OpInsert OperationType = iota + 1
	OpUpdate
	OpDelete
	OpBulkUpdate
	OpBulkDelete
)

func (t OperationType) String() string {
	switch t {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpBulkUpdate:
		return "BULK_UPDATE"
	case OpBulkDelete:
		return "BULK_DELETE"
	}
	return fmt.Sprintf("OperationType(%d)", int(t))
}

// Operation is one step of a flush plan.
type Operation interface {
	Type() OperationType
	Family() model.Family
	String() string
}

// EntityOperation writes a single record.
type EntityOperation struct {
	OpType OperationType
	Entity model.Entity

	// References holds the ids the entity points at, captured when the
	// operation was created. Ordering uses them for self-referencing
	// families.
	References []string
}

func newEntityOperation(t OperationType, e model.Entity) *EntityOperation {
	return &EntityOperation{OpType: t, Entity: e, References: e.References()}
}

func (o *EntityOperation) Type() OperationType  { return o.OpType }
func (o *EntityOperation) Family() model.Family { return o.Entity.Kind().Family() }

func (o *EntityOperation) String() string {
	return fmt.Sprintf("%s %s %s", o.OpType, o.Entity.Kind(), o.Entity.EntityID())
}

func (o *EntityOperation) references(id string) bool {
	for _, ref := range o.References {
		if ref == id {
			return true
		}
	}
	return false
}

// Cond restricts the rows a bulk operation touches. A single value
// compares with equality; several values form an IN list.
type Cond struct {
	Column string
	Values []any
	Negate bool
}

// Eq matches rows where column equals v.
func Eq(column string, v any) Cond { return Cond{Column: column, Values: []any{v}} }

// NotEq matches rows where column differs from v.
func NotEq(column string, v any) Cond { return Cond{Column: column, Values: []any{v}, Negate: true} }

// In matches rows where column is one of values.
func In(column string, values ...any) Cond { return Cond{Column: column, Values: values} }

// InStrings is In for a string slice.
func InStrings(column string, values []string) Cond {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return In(column, vals...)
}

func (c Cond) String() string {
	if len(c.Values) == 1 {
		op := "="
		if c.Negate {
			op = "<>"
		}
		return fmt.Sprintf("%s%s%v", c.Column, op, c.Values[0])
	}
	parts := make([]string, len(c.Values))
	for i, v := range c.Values {
		parts[i] = fmt.Sprint(v)
	}
	op := "in"
	if c.Negate {
		op = "not in"
	}
	return fmt.Sprintf("%s %s (%s)", c.Column, op, strings.Join(parts, ","))
}

// BulkOperation updates or deletes every row of a family matching Where.
// Bulk operations bypass the cache and run in arrival order.
type BulkOperation struct {
	OpType OperationType
	Target model.Family
	Set    model.Fields
	Where  []Cond

	// BumpRevision increments the revision of every matched row, so
	// concurrent holders of those rows fail their conditional writes.
	BumpRevision bool
}

// NewBulkUpdate creates a bulk update.
func NewBulkUpdate(family model.Family, set model.Fields, bump bool, where ...Cond) *BulkOperation {
	return &BulkOperation{OpType: OpBulkUpdate, Target: family, Set: set, BumpRevision: bump, Where: where}
}

// NewBulkDelete creates a bulk delete.
func NewBulkDelete(family model.Family, where ...Cond) *BulkOperation {
	return &BulkOperation{OpType: OpBulkDelete, Target: family, Where: where}
}

func (o *BulkOperation) Type() OperationType  { return o.OpType }
func (o *BulkOperation) Family() model.Family { return o.Target }

func (o *BulkOperation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.OpType, o.Target)
	if o.OpType == OpBulkUpdate {
		b.WriteString(" set ")
		b.WriteString(strings.Join(model.SortedKeys(o.Set), ","))
	}
	if len(o.Where) > 0 {
		conds := make([]string, len(o.Where))
		for i, c := range o.Where {
			conds[i] = c.String()
		}
		b.WriteString(" where ")
		b.WriteString(strings.Join(conds, " and "))
	}
	return b.String()
}
