/**
 * @description
 * This file defines the Step interface every saga step implements, and the
 * Registry mapping step names to implementations. The registry also owns the
 * fixed ordered plan for the transfer saga; it is built once at process start
 * and injected into the orchestrator, never resolved through reflection or a
 * container.
 */

package saga

import (
	"context"
	"fmt"

	"github.com/sagapay/transfer-service/internal/store"
)

// Transfer saga step names, in plan order.
const (
	StepDebitSource           = "debit_source"
	StepCreditDestination     = "credit_destination"
	StepMarkTransferSucceeded = "mark_transfer_succeeded"
)

// Step is one locally transactional unit of a saga with a compensating inverse.
//
// Execute and Compensate receive the transaction-bound repository for the
// current durability boundary and the saga's shared context. The boolean result
// carries expected business conditions (insufficient balance, inactive
// account): (false, nil) is a business failure, recorded and compensated, never
// an error. A non-nil error is reserved for infrastructure and programming
// faults and is reported distinctly by the orchestrator.
type Step interface {
	Name() string
	Execute(ctx context.Context, repo store.Repository, sc *Context) (bool, error)
	Compensate(ctx context.Context, repo store.Repository, sc *Context) (bool, error)
}

// Registry maps step names to implementations and fixes the execution plan.
type Registry struct {
	steps map[string]Step
	plan  []string
}

// NewRegistry builds a registry whose plan is the declaration order of steps.
func NewRegistry(steps ...Step) *Registry {
	r := &Registry{steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		r.steps[s.Name()] = s
		r.plan = append(r.plan, s.Name())
	}
	return r
}

// NewTransferRegistry returns the fixed plan for a transfer saga:
// debit source, credit destination, mark the transfer succeeded.
func NewTransferRegistry() *Registry {
	return NewRegistry(
		&DebitSourceStep{},
		&CreditDestinationStep{},
		&MarkTransferSucceededStep{},
	)
}

// Resolve returns the implementation for a step name. An unknown name is a
// configuration error, not a saga failure.
func (r *Registry) Resolve(name string) (Step, error) {
	step, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("saga step not registered: %q", name)
	}
	return step, nil
}

// Plan returns the ordered step names of the saga.
func (r *Registry) Plan() []string {
	out := make([]string, len(r.plan))
	copy(out, r.plan)
	return out
}
