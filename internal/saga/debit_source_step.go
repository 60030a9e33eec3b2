/**
 * @description
 * This file implements the first step of the transfer saga: debiting the source
 * account. The step combines a pessimistic row lock (serializes concurrent
 * sagas on the same account) with a conditional atomic debit (the balance
 * predicate is re-checked inside the UPDATE itself), so a negative balance can
 * never be committed even if a concurrent writer slipped past the lock.
 */

package saga

import (
	"context"
	"fmt"
	"log"

	"github.com/sagapay/transfer-service/internal/store"
)

// DebitSourceStep withdraws the transfer amount from the source account.
type DebitSourceStep struct{}

func (s *DebitSourceStep) Name() string { return StepDebitSource }

func (s *DebitSourceStep) Execute(ctx context.Context, repo store.Repository, sc *Context) (bool, error) {
	sourceID, okID := sc.UUID(KeySourceAccountID)
	amount, okAmt := sc.Decimal(KeyAmount)
	if !okID || !okAmt {
		log.Printf("level=error component=saga step=%s msg=\"missing required context\" keys=%s,%s", s.Name(), KeySourceAccountID, KeyAmount)
		sc.PutString(KeyFailureReason, "missing required context: sourceAccountId or amount")
		return false, nil
	}

	// Accounts are pre-validated at initiation; one disappearing here is a
	// fault, not a business condition.
	account, err := repo.LockAccountForUpdate(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("lock source account %s: %w", sourceID, err)
	}

	if !account.IsActive {
		log.Printf("level=warn component=saga step=%s outcome=failure reason=source_inactive account_id=%s", s.Name(), sourceID)
		sc.PutString(KeyFailureReason, "source account is not active")
		return false, nil
	}

	sc.PutDecimal(KeyOriginalSourceBalance, account.Balance)

	if account.Balance.LessThan(amount) {
		log.Printf("level=warn component=saga step=%s outcome=failure reason=insufficient_balance account_id=%s available=%s required=%s",
			s.Name(), sourceID, account.Balance, amount)
		sc.PutString(KeyFailureReason, fmt.Sprintf("insufficient balance: available %s, required %s", account.Balance, amount))
		sc.PutDecimal(KeyObservedBalance, account.Balance)
		return false, nil
	}

	rows, err := repo.ConditionalDebit(ctx, sourceID, amount)
	if err != nil {
		return false, fmt.Errorf("debit source account %s: %w", sourceID, err)
	}
	if rows == 0 {
		// Predicate failed despite the lock; treat as the business condition it
		// encodes rather than trusting the earlier read.
		log.Printf("level=warn component=saga step=%s outcome=failure reason=conditional_debit_rejected account_id=%s amount=%s", s.Name(), sourceID, amount)
		sc.PutString(KeyFailureReason, "conditional debit rejected: insufficient balance or inactive account")
		sc.PutDecimal(KeyObservedBalance, account.Balance)
		return false, nil
	}

	newBalance := account.Balance.Sub(amount)
	sc.PutDecimal(KeySourceBalanceAfterDebit, newBalance)
	log.Printf("level=info component=saga step=%s outcome=success account_id=%s amount=%s new_balance=%s", s.Name(), sourceID, amount, newBalance)
	return true, nil
}

// Compensate re-credits the debited amount. The orchestrator only invokes it
// once per COMPLETED record, so the unconditional write under the row lock is
// safe; the credit goes through even if the account was deactivated mid-saga,
// because the money must always return to where it came from.
func (s *DebitSourceStep) Compensate(ctx context.Context, repo store.Repository, sc *Context) (bool, error) {
	sourceID, okID := sc.UUID(KeySourceAccountID)
	amount, okAmt := sc.Decimal(KeyAmount)
	if !okID || !okAmt {
		log.Printf("level=error component=saga step=%s msg=\"missing required context for compensation\"", s.Name())
		return false, nil
	}

	account, err := repo.LockAccountForUpdate(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("lock source account %s for compensation: %w", sourceID, err)
	}

	newBalance := account.Balance.Add(amount)
	if err := repo.SetAccountBalance(ctx, sourceID, newBalance); err != nil {
		return false, fmt.Errorf("restore source account %s balance: %w", sourceID, err)
	}

	log.Printf("level=info component=saga step=%s action=compensate account_id=%s amount=%s new_balance=%s", s.Name(), sourceID, amount, newBalance)
	return true, nil
}
