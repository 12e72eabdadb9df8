package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/persistence"
)

// Insert writes a new record at revision e.Revision()+1. The caller
// advances the entity's revision after a successful flush step.
func (t *Tx) Insert(ctx context.Context, e model.Entity) error {
	table, err := tableFor(e.Kind().Family())
	if err != nil {
		return err
	}

	fields := e.Fields()
	cols := model.SortedKeys(fields)
	args := make([]any, 0, len(cols)+2)
	args = append(args, e.EntityID(), e.Revision()+1)
	for _, c := range cols {
		args = append(args, fields[c])
	}

	query := fmt.Sprintf("INSERT INTO %s (id, revision, %s) VALUES (?, ?%s)",
		table, strings.Join(cols, ", "), strings.Repeat(", ?", len(cols)))
	if _, err := t.exec(ctx, query, args...); err != nil {
		return t.classify("insert", e, err)
	}
	return nil
}

// Update writes every column of e where the stored revision still equals
// e.Revision(), and sets the stored revision to e.Revision()+1. It returns
// the number of affected rows; zero means the row changed or vanished.
func (t *Tx) Update(ctx context.Context, e model.Entity) (int64, error) {
	table, err := tableFor(e.Kind().Family())
	if err != nil {
		return 0, err
	}

	fields := e.Fields()
	cols := model.SortedKeys(fields)
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+3)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	sets = append(sets, "revision = ?")
	args = append(args, e.Revision()+1, e.EntityID(), e.Revision())

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND revision = ?", table, strings.Join(sets, ", "))
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, t.classify("update", e, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, t.classify("update", e, err)
	}
	return n, nil
}

// Delete removes the row of e if its stored revision still equals
// e.Revision(). It returns the number of affected rows.
func (t *Tx) Delete(ctx context.Context, e model.Entity) (int64, error) {
	table, err := tableFor(e.Kind().Family())
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND revision = ?", table)
	res, err := t.exec(ctx, query, e.EntityID(), e.Revision())
	if err != nil {
		return 0, t.classify("delete", e, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, t.classify("delete", e, err)
	}
	return n, nil
}

// ExecBulk runs a bulk update or delete and returns the affected row count.
func (t *Tx) ExecBulk(ctx context.Context, op *persistence.BulkOperation) (int64, error) {
	table, err := tableFor(op.Target)
	if err != nil {
		return 0, err
	}

	var (
		query string
		args  []any
	)
	switch op.OpType {
	case persistence.OpBulkUpdate:
		cols := model.SortedKeys(op.Set)
		sets := make([]string, 0, len(cols)+1)
		for _, c := range cols {
			sets = append(sets, c+" = ?")
			args = append(args, op.Set[c])
		}
		if op.BumpRevision {
			sets = append(sets, "revision = revision + 1")
		}
		if len(sets) == 0 {
			return 0, fmt.Errorf("bulk update %s: nothing to set", op.Target)
		}
		query = fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	case persistence.OpBulkDelete:
		query = "DELETE FROM " + table
	default:
		return 0, fmt.Errorf("bulk %s: unsupported operation type %s", op.Target, op.OpType)
	}

	where, whereArgs := renderWhere(op.Where)
	query += where
	args = append(args, whereArgs...)

	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, &model.Error{Kind: t.dialect.Classify(err), Op: strings.ToLower(op.OpType.String()), Message: op.String(), Err: err}
	}
	return res.RowsAffected()
}

func renderWhere(conds []persistence.Cond) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		switch {
		case len(c.Values) == 0:
			// An empty IN list matches nothing; NOT IN () matches everything.
			if c.Negate {
				parts = append(parts, "1 = 1")
			} else {
				parts = append(parts, "1 = 0")
			}
		case len(c.Values) == 1:
			op := " = ?"
			if c.Negate {
				op = " <> ?"
			}
			parts = append(parts, c.Column+op)
			args = append(args, c.Values[0])
		default:
			op := " IN ("
			if c.Negate {
				op = " NOT IN ("
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.Values)), ", ")
			parts = append(parts, c.Column+op+placeholders+")")
			args = append(args, c.Values...)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}
