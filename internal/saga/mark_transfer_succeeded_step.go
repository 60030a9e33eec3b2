/**
 * @description
 * This file implements the final step of the transfer saga: flipping the
 * transfer record from PENDING to SUCCESS. Its compensation always sets the
 * transfer to CANCELLED, regardless of the status captured before execution,
 * because a compensated transfer must never read as successful.
 */

package saga

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/store"
)

// MarkTransferSucceededStep finalizes the transfer record.
type MarkTransferSucceededStep struct{}

func (s *MarkTransferSucceededStep) Name() string { return StepMarkTransferSucceeded }

func (s *MarkTransferSucceededStep) Execute(ctx context.Context, repo store.Repository, sc *Context) (bool, error) {
	transferID, ok := sc.UUID(KeyTransferID)
	if !ok {
		log.Printf("level=error component=saga step=%s msg=\"missing required context\" key=%s", s.Name(), KeyTransferID)
		sc.PutString(KeyFailureReason, "missing required context: transferId")
		return false, nil
	}

	transfer, err := repo.FindTransferByID(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			log.Printf("level=warn component=saga step=%s outcome=failure reason=transfer_not_found transfer_id=%s", s.Name(), transferID)
			sc.PutString(KeyFailureReason, "transfer record not found")
			return false, nil
		}
		return false, fmt.Errorf("find transfer %s: %w", transferID, err)
	}

	sc.PutString(KeyOriginalTransferStatus, string(transfer.Status))

	if err := repo.UpdateTransferStatus(ctx, transferID, domain.TransferStatusSuccess); err != nil {
		return false, fmt.Errorf("mark transfer %s succeeded: %w", transferID, err)
	}

	log.Printf("level=info component=saga step=%s outcome=success transfer_id=%s", s.Name(), transferID)
	return true, nil
}

func (s *MarkTransferSucceededStep) Compensate(ctx context.Context, repo store.Repository, sc *Context) (bool, error) {
	transferID, ok := sc.UUID(KeyTransferID)
	if !ok {
		log.Printf("level=error component=saga step=%s msg=\"missing required context for compensation\"", s.Name())
		return false, nil
	}

	if err := repo.UpdateTransferStatus(ctx, transferID, domain.TransferStatusCancelled); err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			log.Printf("level=warn component=saga step=%s action=compensate msg=\"transfer record missing, nothing to cancel\" transfer_id=%s", s.Name(), transferID)
			return true, nil
		}
		return false, fmt.Errorf("cancel transfer %s: %w", transferID, err)
	}

	log.Printf("level=info component=saga step=%s action=compensate transfer_id=%s status=%s", s.Name(), transferID, domain.TransferStatusCancelled)
	return true, nil
}
