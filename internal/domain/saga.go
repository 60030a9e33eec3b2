/**
 * @description
 * This file defines the persistence models for the saga orchestration engine:
 * the saga instance (one per transfer attempt) and the per-step records that
 * double as durable idempotency markers.
 *
 * @notes
 * - `SagaInstance.Context` is the serialized key/value context shared across
 *   steps; it is opaque at this layer and owned by internal/saga.
 * - A step record in COMPLETED state is the proof that a step's effect is
 *   committed; re-executing the step must observe it and do nothing.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusRunning      SagaStatus = "RUNNING"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusFailed       SagaStatus = "FAILED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
)

// StepStatus is the lifecycle state of a single saga step record.
type StepStatus string

const (
	StepStatusPending      StepStatus = "PENDING"
	StepStatusRunning      StepStatus = "RUNNING"
	StepStatusCompleted    StepStatus = "COMPLETED"
	StepStatusFailed       StepStatus = "FAILED"
	StepStatusCompensating StepStatus = "COMPENSATING"
	StepStatusCompensated  StepStatus = "COMPENSATED"
)

// SagaInstance is the durable record of one saga execution. This struct maps
// directly to the `saga_instances` table.
type SagaInstance struct {
	ID          uuid.UUID  `json:"id"`
	Status      SagaStatus `json:"status"`
	Context     []byte     `json:"context"`
	CurrentStep string     `json:"current_step"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SagaStepRecord is the durable record of one step execution within a saga.
// This struct maps directly to the `saga_steps` table.
type SagaStepRecord struct {
	ID             uuid.UUID  `json:"id"`
	SagaInstanceID uuid.UUID  `json:"saga_instance_id"`
	StepName       string     `json:"step_name"`
	Status         StepStatus `json:"status"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StepData       []byte     `json:"step_data,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SagaStatusResponse is the read-model returned by saga status polling.
type SagaStatusResponse struct {
	SagaInstanceID uuid.UUID      `json:"saga_instance_id"`
	Status         SagaStatus     `json:"status"`
	CurrentStep    string         `json:"current_step"`
	Context        map[string]any `json:"context"`
}
