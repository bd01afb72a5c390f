package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/ml/fusion"
	"github.com/gomlx/sequential/pkg/ml/ops"
	"github.com/gomlx/sequential/pkg/support/sets"
	"github.com/gomlx/sequential/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Unit is a self-contained group of operations: the elementary operations covered by its Forward
// items are exactly those covered by its Backward items. So the backward pass of a unit only needs
// state produced by its own forward pass, and it can be registered as one differentiable function.
//
// Both lists are in forward order: Backward items are executed in reverse.
type Unit struct {
	Forward, Backward []ops.Op
}

// members returns the set of elementary operations covered by the items.
func members(items []ops.Op) sets.Set[ops.Op] {
	s := sets.Make[ops.Op]()
	for _, item := range items {
		s.Insert(fusion.Members(item)...)
	}
	return s
}

// Validate checks that the forward and backward items cover the same elementary operations.
func (u Unit) Validate() error {
	if len(u.Forward) == 0 || len(u.Backward) == 0 {
		return errors.Errorf("unit %s has an empty forward or backward list", u)
	}
	forward, backward := members(u.Forward), members(u.Backward)
	if !forward.Equal(backward) {
		return errors.Errorf("unit %s: forward operations %s differ from backward operations %s",
			u, opNames(forward.Sub(backward).SortedFunc(compareNames)),
			opNames(backward.Sub(forward).SortedFunc(compareNames)))
	}
	return nil
}

// RequiresGrad returns the parameters of the unit, in the order of its forward items.
func (u Unit) RequiresGrad() []*tensors.Tensor {
	var params []*tensors.Tensor
	for _, item := range u.Forward {
		params = append(params, item.RequiresGrad()...)
	}
	return params
}

// String implements fmt.Stringer.
func (u Unit) String() string {
	return fmt.Sprintf("{forward: %s, backward: %s}", opNames(u.Forward), opNames(u.Backward))
}

func compareNames(a, b ops.Op) int { return strings.Compare(a.Name(), b.Name()) }

func opNames(list []ops.Op) string {
	return "[" + strings.Join(xslices.Map(list, func(op ops.Op) string { return op.Name() }), ", ") + "]"
}

// Partition groups the fused forward and backward lists, that cover the same elementary operations
// in the same order but may group them differently, into the minimal sequence of Units.
//
// Each unit starts with the next forward item. Backward items are then taken while some forward
// member is not covered yet, and forward items while some backward member is not covered yet. The
// unit closes when both sides cover exactly the same elementary operations.
//
// It panics if the lists are inconsistent: different elementary operations, operations in a different
// order, or an operation given more than once.
func Partition(forward, backward []ops.Op) []Unit {
	var units []Unit
	forwardSeen, backwardSeen := sets.Make[ops.Op](), sets.Make[ops.Op]()
	for len(forward) > 0 {
		var unit Unit
		var item ops.Op
		item, forward = xslices.PopFront(forward)
		unit.Forward = append(unit.Forward, item)
		forwardPending := sets.MakeWith(recordMembers(forwardSeen, item)...)
		backwardPending := sets.Make[ops.Op]()
		for len(forwardPending) > 0 || len(backwardPending) > 0 {
			for len(forwardPending) > 0 {
				if len(backward) == 0 {
					exceptions.Panicf("pipeline.Partition: backward list exhausted, forward operations %s not covered",
						opNames(forwardPending.SortedFunc(compareNames)))
				}
				item, backward = xslices.PopFront(backward)
				unit.Backward = append(unit.Backward, item)
				match(forwardPending, backwardPending, recordMembers(backwardSeen, item))
			}
			for len(backwardPending) > 0 {
				if len(forward) == 0 {
					exceptions.Panicf("pipeline.Partition: forward list exhausted, backward operations %s not covered",
						opNames(backwardPending.SortedFunc(compareNames)))
				}
				item, forward = xslices.PopFront(forward)
				unit.Forward = append(unit.Forward, item)
				match(backwardPending, forwardPending, recordMembers(forwardSeen, item))
			}
		}
		units = append(units, unit)
	}
	if len(backward) > 0 {
		exceptions.Panicf("pipeline.Partition: forward list exhausted, backward operations %s left", opNames(backward))
	}
	return units
}

// recordMembers returns the elementary operations of item, and records them in seen. An operation already
// seen in a previous item of the same list panics.
func recordMembers(seen sets.Set[ops.Op], item ops.Op) []ops.Op {
	list := fusion.Members(item)
	for _, m := range list {
		if seen.Has(m) {
			exceptions.Panicf("pipeline.Partition: operation %s appears twice", m.Name())
		}
		seen.Insert(m)
	}
	return list
}

// match removes from pending the members it contains, and adds the others to otherPending.
// A member seen twice on the same side is an inconsistency and panics.
func match(pending, otherPending sets.Set[ops.Op], newMembers []ops.Op) {
	for _, m := range newMembers {
		if pending.Has(m) {
			pending.Delete(m)
			continue
		}
		if otherPending.Has(m) {
			exceptions.Panicf("pipeline.Partition: operation %s appears twice", m.Name())
		}
		otherPending.Insert(m)
	}
}

// ValidateUnits checks the invariants of a partition of forward and backward: each unit is
// self-contained, and the concatenation of the units gives back the original lists.
func ValidateUnits(units []Unit, forward, backward []ops.Op) error {
	seen := sets.Make[ops.Op]()
	var allForward, allBackward []ops.Op
	for i, unit := range units {
		if err := unit.Validate(); err != nil {
			return errors.WithMessagef(err, "unit #%d", i)
		}
		for m := range members(unit.Forward) {
			if seen.Has(m) {
				return errors.Errorf("unit #%d: operation %s already in a previous unit", i, m.Name())
			}
			seen.Insert(m)
		}
		allForward = append(allForward, unit.Forward...)
		allBackward = append(allBackward, unit.Backward...)
	}
	if !slices.Equal(allForward, forward) {
		return errors.Errorf("units forward items %s don't reproduce forward list %s", opNames(allForward), opNames(forward))
	}
	if !slices.Equal(allBackward, backward) {
		return errors.Errorf("units backward items %s don't reproduce backward list %s", opNames(allBackward), opNames(backward))
	}
	return nil
}
