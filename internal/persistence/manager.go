package persistence

import "github.com/roach88/conductor/internal/model"

// OperationManager collects pending writes for one flush and cancels the
// ones made redundant by later writes to the same entity:
//   - a DELETE after an INSERT removes both
//   - a DELETE after an UPDATE replaces the UPDATE
//   - an INSERT or UPDATE after a DELETE is dropped
//   - at most one INSERT-or-UPDATE is kept per entity
type OperationManager struct {
	ops   []*EntityOperation
	index map[cacheKey]*EntityOperation
	bulk  []*BulkOperation
}

// NewOperationManager creates an empty manager.
func NewOperationManager() *OperationManager {
	return &OperationManager{index: make(map[cacheKey]*EntityOperation)}
}

// Insert records an INSERT. It returns false if the operation was dropped.
func (m *OperationManager) Insert(e model.Entity) bool {
	return m.add(newEntityOperation(OpInsert, e))
}

// Update records an UPDATE. It returns false if the operation was dropped.
func (m *OperationManager) Update(e model.Entity) bool {
	return m.add(newEntityOperation(OpUpdate, e))
}

// Delete records a DELETE. It returns false if the operation was dropped,
// which includes cancelling a pending INSERT.
func (m *OperationManager) Delete(e model.Entity) bool {
	return m.add(newEntityOperation(OpDelete, e))
}

// AddBulk records a bulk operation.
func (m *OperationManager) AddBulk(op *BulkOperation) {
	m.bulk = append(m.bulk, op)
}

func (m *OperationManager) add(op *EntityOperation) bool {
	k := keyOf(op.Entity)
	existing, ok := m.index[k]
	if !ok {
		m.ops = append(m.ops, op)
		m.index[k] = op
		return true
	}

	switch {
	case existing.OpType == OpDelete:
		return false
	case op.OpType == OpDelete:
		m.remove(existing)
		if existing.OpType == OpInsert {
			return false
		}
		m.ops = append(m.ops, op)
		m.index[k] = op
		return true
	default:
		return false
	}
}

func (m *OperationManager) remove(op *EntityOperation) {
	delete(m.index, keyOf(op.Entity))
	for i, o := range m.ops {
		if o == op {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return
		}
	}
}

// EntityOperations returns the pending entity operations in arrival order.
func (m *OperationManager) EntityOperations() []*EntityOperation {
	return append([]*EntityOperation(nil), m.ops...)
}

// BulkOperations returns the pending bulk operations in arrival order.
func (m *OperationManager) BulkOperations() []*BulkOperation {
	return append([]*BulkOperation(nil), m.bulk...)
}

// Len returns the number of pending operations.
func (m *OperationManager) Len() int {
	return len(m.ops) + len(m.bulk)
}

// Plan returns the pending operations in flush order.
func (m *OperationManager) Plan(deps DependencyTable) []Operation {
	return Order(m.ops, m.bulk, deps)
}
