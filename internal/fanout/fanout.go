// Package fanout runs one operation concurrently across the instances of a
// backend and collects every per-instance outcome.
//
// The runner never short-circuits: a slow or failing instance does not stop
// the others, and the caller always sees the complete outcome list in
// declared instance order. Compensation logic depends on both properties.
package fanout

import (
	"context"
	"sync"
)

// Instance is any backend instance addressable by name.
type Instance interface {
	Name() string
}

// Outcome is the result of one per-instance operation: either Value or Err.
type Outcome[T any] struct {
	Instance string
	Value    T
	Err      error
}

// Run executes op on every instance concurrently and returns the outcomes in
// declared instance order.
func Run[I Instance, T any](ctx context.Context, instances []I, op func(context.Context, I) (T, error)) []Outcome[T] {
	outcomes := make([]Outcome[T], len(instances))

	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst I) {
			defer wg.Done()
			v, err := op(ctx, inst)
			outcomes[i] = Outcome[T]{Instance: inst.Name(), Value: v, Err: err}
		}(i, inst)
	}
	wg.Wait()

	return outcomes
}

// RunOver executes op only on the instances that have a prebuilt argument,
// passing each its own. Rollback uses this to replay exactly the writes that
// previously succeeded.
func RunOver[I Instance, A, T any](ctx context.Context, instances []I, args map[string]A, op func(context.Context, I, A) (T, error)) []Outcome[T] {
	selected := make([]I, 0, len(args))
	for _, inst := range instances {
		if _, ok := args[inst.Name()]; ok {
			selected = append(selected, inst)
		}
	}
	return Run(ctx, selected, func(ctx context.Context, inst I) (T, error) {
		return op(ctx, inst, args[inst.Name()])
	})
}

// Select returns the instances whose names are in the set, preserving
// declared order. Unknown names are ignored.
func Select[I Instance](instances []I, names []string) []I {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	selected := make([]I, 0, len(names))
	for _, inst := range instances {
		if want[inst.Name()] {
			selected = append(selected, inst)
		}
	}
	return selected
}

// FirstError returns the first outcome error in declared order, or nil.
func FirstError[T any](outcomes []Outcome[T]) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}
