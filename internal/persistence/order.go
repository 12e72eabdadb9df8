package persistence

import (
	"cmp"
	"slices"

	"github.com/roach88/conductor/internal/model"
)

// DependencyTable ranks families so that a family comes after every family
// it references.
type DependencyTable struct {
	rank    map[model.Family]int
	selfRef map[model.Family]bool
}

// NewDependencyTable builds a table from families listed parents first.
// selfReferencing names families whose records point at each other.
func NewDependencyTable(parentsFirst []model.Family, selfReferencing ...model.Family) DependencyTable {
	d := DependencyTable{
		rank:    make(map[model.Family]int, len(parentsFirst)),
		selfRef: make(map[model.Family]bool, len(selfReferencing)),
	}
	for i, f := range parentsFirst {
		d.rank[f] = i
	}
	for _, f := range selfReferencing {
		d.selfRef[f] = true
	}
	return d
}

// DefaultDependencies is the table for the engine's own records.
func DefaultDependencies() DependencyTable {
	return NewDependencyTable([]model.Family{
		model.FamilyDeployment,
		model.FamilyDefinition,
		model.FamilyResource,
		model.FamilyJob,
		model.FamilyIncident,
	}, model.FamilyIncident)
}

func (d DependencyTable) compareFamilies(a, b model.Family) int {
	ra, oka := d.rank[a]
	rb, okb := d.rank[b]
	if !oka {
		ra = len(d.rank)
	}
	if !okb {
		rb = len(d.rank)
	}
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	return cmp.Compare(a, b)
}

// Order arranges operations into flush order: inserts parent-first, then
// updates, then bulk operations as they arrived, then deletes child-first.
// Within a family operations are sorted by id. Order is a pure function of
// its inputs.
func Order(ops []*EntityOperation, bulk []*BulkOperation, deps DependencyTable) []Operation {
	var inserts, updates, deletes []*EntityOperation
	for _, op := range ops {
		switch op.OpType {
		case OpInsert:
			inserts = append(inserts, op)
		case OpUpdate:
			updates = append(updates, op)
		case OpDelete:
			deletes = append(deletes, op)
		}
	}

	out := make([]Operation, 0, len(ops)+len(bulk))
	out = appendGrouped(out, inserts, deps, false)
	out = appendGrouped(out, updates, deps, false)
	for _, b := range bulk {
		out = append(out, b)
	}
	out = appendGrouped(out, deletes, deps, true)
	return out
}

func appendGrouped(out []Operation, ops []*EntityOperation, deps DependencyTable, childFirst bool) []Operation {
	groups := make(map[model.Family][]*EntityOperation)
	for _, op := range ops {
		f := op.Family()
		groups[f] = append(groups[f], op)
	}

	families := make([]model.Family, 0, len(groups))
	for f := range groups {
		families = append(families, f)
	}
	slices.SortFunc(families, deps.compareFamilies)
	if childFirst {
		slices.Reverse(families)
	}

	for _, f := range families {
		group := groups[f]
		slices.SortStableFunc(group, func(a, b *EntityOperation) int {
			return cmp.Compare(a.Entity.EntityID(), b.Entity.EntityID())
		})
		if deps.selfRef[f] && len(group) > 1 {
			group = sortByReferences(group)
		}
		for _, op := range group {
			out = append(out, op)
		}
	}
	return out
}

// sortByReferences moves an operation behind the first later operation it
// depends on. An insert depends on the records it references; an update or
// delete depends on the records referencing it. The number of moves is
// capped at n² so reference cycles terminate.
func sortByReferences(ops []*EntityOperation) []*EntityOperation {
	list := append([]*EntityOperation(nil), ops...)
	budget := len(list) * len(list)

	for i := 0; i < len(list); i++ {
		current := list[i]
		moveTo := i
		for k := i + 1; k < len(list); k++ {
			other := list[k]
			if current.OpType == OpInsert {
				if current.references(other.Entity.EntityID()) {
					moveTo = k
					break
				}
			} else if other.references(current.Entity.EntityID()) {
				moveTo = k
				break
			}
		}
		if moveTo > i && budget > 0 {
			budget--
			list = slices.Delete(list, i, i+1)
			list = slices.Insert(list, moveTo, current)
			i--
		}
	}
	return list
}
