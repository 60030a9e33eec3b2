/**
 * @description
 * This file implements the saga orchestrator: the single writer of saga
 * instance and step records. It drives steps forward inside per-step
 * transactions, records durable idempotency markers, and on failure walks the
 * completed steps backwards invoking their compensations.
 *
 * @dependencies
 * - internal/store: Transaction boundaries and saga persistence.
 * - internal/domain: Saga lifecycle models.
 *
 * @notes
 * - Every ExecuteStep/CompensateStep call is exactly one store.WithTx: the
 *   step's business effect and its status record commit or roll back together.
 * - A compensation failure leaves the saga in COMPENSATING and surfaces
 *   ErrCompensationStuck; there is no automatic retry, an operator resolves it.
 */

package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/store"
)

// ErrCompensationStuck reports a compensation that failed and left the saga in
// COMPENSATING. The instance is not advanced further; manual intervention is
// required.
var ErrCompensationStuck = errors.New("saga compensation stuck: manual intervention required")

// Orchestrator drives saga instances through their step plan. It is the only
// component that writes saga instance and step records.
type Orchestrator struct {
	repo     store.Repository
	registry *Registry
}

func NewOrchestrator(repo store.Repository, registry *Registry) *Orchestrator {
	return &Orchestrator{repo: repo, registry: registry}
}

// Plan returns the ordered step names the orchestrator will execute.
func (o *Orchestrator) Plan() []string {
	return o.registry.Plan()
}

// StartSaga persists a new saga instance in STARTED with the given context.
// An empty context is rejected: every saga carries at least its transfer
// identifiers, and a blank one indicates a caller bug.
func (o *Orchestrator) StartSaga(ctx context.Context, sc *Context) (*domain.SagaInstance, error) {
	if sc == nil || sc.Len() == 0 {
		return nil, errors.New("saga context must not be empty")
	}

	raw, err := sc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal saga context: %w", err)
	}

	now := time.Now().UTC()
	instance := &domain.SagaInstance{
		ID:        uuid.New(),
		Status:    domain.SagaStatusStarted,
		Context:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateSagaInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("create saga instance: %w", err)
	}

	log.Printf("level=info component=orchestrator msg=\"saga started\" saga_id=%s", instance.ID)
	return instance, nil
}

// ExecuteStep runs one named step of the saga inside a single transaction.
// It returns the step's business outcome: (true, nil) on success, (false, nil)
// on an expected business failure, and a non-nil error on infrastructure
// faults. A step whose COMPLETED record already exists is skipped and reported
// as success, so re-driving a COMPLETED saga succeeds step by step without
// re-executing anything. A saga on the failure path refuses execution as an
// outcome, not a fault.
func (o *Orchestrator) ExecuteStep(ctx context.Context, sagaID uuid.UUID, stepName string) (bool, error) {
	var succeeded bool
	var execFault error

	err := o.repo.WithTx(ctx, func(repo store.Repository) error {
		instance, err := repo.FindSagaInstanceByID(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("find saga instance %s: %w", sagaID, err)
		}

		switch instance.Status {
		case domain.SagaStatusFailed, domain.SagaStatusCompensating, domain.SagaStatusCompensated:
			log.Printf("level=warn component=orchestrator msg=\"refusing step on failed saga\" saga_id=%s status=%s step=%s", sagaID, instance.Status, stepName)
			succeeded = false
			return nil
		}

		step, err := o.registry.Resolve(stepName)
		if err != nil {
			return err
		}

		// Idempotency: a COMPLETED record proves the step's effect is committed.
		if _, err := repo.FindSagaStepRecord(ctx, sagaID, stepName, domain.StepStatusCompleted); err == nil {
			log.Printf("level=info component=orchestrator msg=\"step already completed, skipping\" saga_id=%s step=%s", sagaID, stepName)
			succeeded = true
			return nil
		} else if !errors.Is(err, store.ErrSagaStepNotFound) {
			return fmt.Errorf("check step completion for %s/%s: %w", sagaID, stepName, err)
		}

		record, err := repo.FindSagaStepRecord(ctx, sagaID, stepName, domain.StepStatusPending)
		if err != nil {
			if !errors.Is(err, store.ErrSagaStepNotFound) {
				return fmt.Errorf("find pending step record for %s/%s: %w", sagaID, stepName, err)
			}
			now := time.Now().UTC()
			record = &domain.SagaStepRecord{
				ID:             uuid.New(),
				SagaInstanceID: sagaID,
				StepName:       stepName,
				Status:         domain.StepStatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := repo.CreateSagaStepRecord(ctx, record); err != nil {
				return fmt.Errorf("create step record for %s/%s: %w", sagaID, stepName, err)
			}
		}

		sc, err := ParseContext(instance.Context)
		if err != nil {
			return fmt.Errorf("parse saga context for %s: %w", sagaID, err)
		}

		if err := repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusRunning, nil); err != nil {
			return fmt.Errorf("mark step %s/%s running: %w", sagaID, stepName, err)
		}
		instance.Status = domain.SagaStatusRunning
		instance.CurrentStep = stepName

		ok, execErr := step.Execute(ctx, repo, sc)
		if execErr != nil {
			// The returned error rolls this transaction back; the fault is
			// recorded on the step record afterwards, outside it.
			execFault = execErr
			return fmt.Errorf("execute step %s/%s: %w", sagaID, stepName, execErr)
		}

		raw, err := sc.Marshal()
		if err != nil {
			return fmt.Errorf("marshal saga context for %s: %w", sagaID, err)
		}
		instance.Context = raw
		instance.UpdatedAt = time.Now().UTC()

		if !ok {
			// Business failure: the commit durably records it. The step wrote no
			// balance mutation, or its conditional mutation affected zero rows.
			reason := "step reported business failure"
			if msg, found := sc.String(KeyFailureReason); found {
				reason = msg
			}
			if err := repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusFailed, &reason); err != nil {
				return fmt.Errorf("mark step %s/%s failed: %w", sagaID, stepName, err)
			}
			if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
				return fmt.Errorf("update saga instance %s: %w", sagaID, err)
			}
			log.Printf("level=warn component=orchestrator msg=\"step failed\" saga_id=%s step=%s reason=%q", sagaID, stepName, reason)
			succeeded = false
			return nil
		}

		if err := repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusCompleted, nil); err != nil {
			return fmt.Errorf("mark step %s/%s completed: %w", sagaID, stepName, err)
		}
		if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
			return fmt.Errorf("update saga instance %s: %w", sagaID, err)
		}
		succeeded = true
		return nil
	})
	if err != nil {
		if execFault != nil {
			o.recordStepFault(ctx, sagaID, stepName, execFault)
		}
		return false, err
	}
	return succeeded, nil
}

// recordStepFault persists an infrastructure fault on the step record after
// the step's transaction rolled back. The rollback may have discarded the
// record itself, so it is recreated if needed. Best effort: a persistence
// failure here only loses the diagnostic, never the rollback.
func (o *Orchestrator) recordStepFault(ctx context.Context, sagaID uuid.UUID, stepName string, fault error) {
	err := o.repo.WithTx(ctx, func(repo store.Repository) error {
		record, err := repo.FindSagaStepRecord(ctx, sagaID, stepName, domain.StepStatusPending)
		if err != nil {
			if !errors.Is(err, store.ErrSagaStepNotFound) {
				return err
			}
			now := time.Now().UTC()
			record = &domain.SagaStepRecord{
				ID:             uuid.New(),
				SagaInstanceID: sagaID,
				StepName:       stepName,
				Status:         domain.StepStatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := repo.CreateSagaStepRecord(ctx, record); err != nil {
				return err
			}
		}
		msg := fault.Error()
		return repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusFailed, &msg)
	})
	if err != nil {
		log.Printf("level=error component=orchestrator msg=\"failed to record step fault\" saga_id=%s step=%s err=%v", sagaID, stepName, err)
	}
}

// FailSaga marks the saga FAILED and runs compensation. Failing a COMPLETED
// saga is a warning no-op; there is nothing left to undo.
func (o *Orchestrator) FailSaga(ctx context.Context, sagaID uuid.UUID) error {
	var completed bool
	err := o.repo.WithTx(ctx, func(repo store.Repository) error {
		instance, err := repo.FindSagaInstanceByID(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("find saga instance %s: %w", sagaID, err)
		}
		if instance.Status == domain.SagaStatusCompleted {
			completed = true
			return nil
		}
		instance.Status = domain.SagaStatusFailed
		instance.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
			return fmt.Errorf("update saga instance %s: %w", sagaID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if completed {
		log.Printf("level=warn component=orchestrator msg=\"ignoring fail request for completed saga\" saga_id=%s", sagaID)
		return nil
	}

	log.Printf("level=warn component=orchestrator msg=\"saga failed, starting compensation\" saga_id=%s", sagaID)
	return o.CompensateSaga(ctx, sagaID)
}

// CompensateSaga undoes the saga's completed steps in reverse completion
// order. Each compensation runs in its own transaction. On the first
// compensation failure the saga stays in COMPENSATING and
// ErrCompensationStuck is returned.
func (o *Orchestrator) CompensateSaga(ctx context.Context, sagaID uuid.UUID) error {
	if err := o.setSagaStatus(ctx, sagaID, domain.SagaStatusCompensating); err != nil {
		return err
	}

	var completedSteps []domain.SagaStepRecord
	if err := o.repo.WithTx(ctx, func(repo store.Repository) error {
		var err error
		completedSteps, err = repo.FindCompletedSagaSteps(ctx, sagaID)
		return err
	}); err != nil {
		return fmt.Errorf("list completed steps for %s: %w", sagaID, err)
	}

	for _, record := range completedSteps {
		ok, err := o.CompensateStep(ctx, sagaID, record.StepName)
		if err != nil {
			log.Printf("level=error component=orchestrator msg=\"compensation errored, saga stuck\" saga_id=%s step=%s error=%q", sagaID, record.StepName, err)
			return fmt.Errorf("compensate step %s/%s: %w: %w", sagaID, record.StepName, err, ErrCompensationStuck)
		}
		if !ok {
			log.Printf("level=error component=orchestrator msg=\"compensation rejected, saga stuck\" saga_id=%s step=%s", sagaID, record.StepName)
			return fmt.Errorf("compensate step %s/%s rejected: %w", sagaID, record.StepName, ErrCompensationStuck)
		}
	}

	if err := o.setSagaStatus(ctx, sagaID, domain.SagaStatusCompensated); err != nil {
		return err
	}
	log.Printf("level=info component=orchestrator msg=\"saga compensated\" saga_id=%s", sagaID)
	return nil
}

// CompensateStep undoes one completed step inside a single transaction. A step
// with no COMPLETED record never took effect, so compensating it is a no-op
// reported as success.
func (o *Orchestrator) CompensateStep(ctx context.Context, sagaID uuid.UUID, stepName string) (bool, error) {
	var succeeded bool

	err := o.repo.WithTx(ctx, func(repo store.Repository) error {
		record, err := repo.FindSagaStepRecord(ctx, sagaID, stepName, domain.StepStatusCompleted)
		if err != nil {
			if errors.Is(err, store.ErrSagaStepNotFound) {
				log.Printf("level=info component=orchestrator msg=\"step has no completed record, nothing to compensate\" saga_id=%s step=%s", sagaID, stepName)
				succeeded = true
				return nil
			}
			return fmt.Errorf("find completed step record for %s/%s: %w", sagaID, stepName, err)
		}

		instance, err := repo.FindSagaInstanceByID(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("find saga instance %s: %w", sagaID, err)
		}

		step, err := o.registry.Resolve(stepName)
		if err != nil {
			return err
		}

		sc, err := ParseContext(instance.Context)
		if err != nil {
			return fmt.Errorf("parse saga context for %s: %w", sagaID, err)
		}

		if err := repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusCompensating, nil); err != nil {
			return fmt.Errorf("mark step %s/%s compensating: %w", sagaID, stepName, err)
		}

		ok, compErr := step.Compensate(ctx, repo, sc)
		if compErr != nil {
			return fmt.Errorf("compensate step %s/%s: %w", sagaID, stepName, compErr)
		}

		raw, err := sc.Marshal()
		if err != nil {
			return fmt.Errorf("marshal saga context for %s: %w", sagaID, err)
		}
		instance.Context = raw
		instance.CurrentStep = stepName
		instance.UpdatedAt = time.Now().UTC()

		if !ok {
			reason := "compensation reported business failure"
			if msg, found := sc.String(KeyFailureReason); found {
				reason = msg
			}
			// The step's effect is still committed. The record goes back to
			// COMPLETED so a later compensation attempt finds it again.
			if err := repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusCompleted, &reason); err != nil {
				return fmt.Errorf("mark step %s/%s compensation rejected: %w", sagaID, stepName, err)
			}
			if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
				return fmt.Errorf("update saga instance %s: %w", sagaID, err)
			}
			succeeded = false
			return nil
		}

		if err := repo.UpdateSagaStepStatus(ctx, record.ID, domain.StepStatusCompensated, nil); err != nil {
			return fmt.Errorf("mark step %s/%s compensated: %w", sagaID, stepName, err)
		}
		if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
			return fmt.Errorf("update saga instance %s: %w", sagaID, err)
		}
		succeeded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return succeeded, nil
}

// CompleteSaga marks the saga COMPLETED. Completing a saga that has entered
// the failure path is refused.
func (o *Orchestrator) CompleteSaga(ctx context.Context, sagaID uuid.UUID) error {
	return o.repo.WithTx(ctx, func(repo store.Repository) error {
		instance, err := repo.FindSagaInstanceByID(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("find saga instance %s: %w", sagaID, err)
		}
		switch instance.Status {
		case domain.SagaStatusFailed, domain.SagaStatusCompensating, domain.SagaStatusCompensated:
			return fmt.Errorf("saga %s is %s, cannot complete", sagaID, instance.Status)
		}
		instance.Status = domain.SagaStatusCompleted
		instance.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
			return fmt.Errorf("update saga instance %s: %w", sagaID, err)
		}
		log.Printf("level=info component=orchestrator msg=\"saga completed\" saga_id=%s", sagaID)
		return nil
	})
}

// GetSagaInstance returns the saga instance by ID.
func (o *Orchestrator) GetSagaInstance(ctx context.Context, sagaID uuid.UUID) (*domain.SagaInstance, error) {
	return o.repo.FindSagaInstanceByID(ctx, sagaID)
}

func (o *Orchestrator) setSagaStatus(ctx context.Context, sagaID uuid.UUID, status domain.SagaStatus) error {
	return o.repo.WithTx(ctx, func(repo store.Repository) error {
		instance, err := repo.FindSagaInstanceByID(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("find saga instance %s: %w", sagaID, err)
		}
		instance.Status = status
		instance.UpdatedAt = time.Now().UTC()
		if err := repo.UpdateSagaInstance(ctx, instance); err != nil {
			return fmt.Errorf("update saga instance %s: %w", sagaID, err)
		}
		return nil
	})
}
