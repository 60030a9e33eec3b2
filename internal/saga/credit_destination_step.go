/**
 * @description
 * This file implements the second step of the transfer saga: crediting the
 * destination account. Its compensation is the dangerous half of the saga: if
 * the destination has already spent the credited funds, the reversal cannot
 * proceed and the saga is left in COMPENSATING for an operator to resolve.
 */

package saga

import (
	"context"
	"fmt"
	"log"

	"github.com/sagapay/transfer-service/internal/store"
)

// CreditDestinationStep deposits the transfer amount into the destination account.
type CreditDestinationStep struct{}

func (s *CreditDestinationStep) Name() string { return StepCreditDestination }

func (s *CreditDestinationStep) Execute(ctx context.Context, repo store.Repository, sc *Context) (bool, error) {
	destID, okID := sc.UUID(KeyDestAccountID)
	amount, okAmt := sc.Decimal(KeyAmount)
	if !okID || !okAmt {
		log.Printf("level=error component=saga step=%s msg=\"missing required context\" keys=%s,%s", s.Name(), KeyDestAccountID, KeyAmount)
		sc.PutString(KeyFailureReason, "missing required context: destAccountId or amount")
		return false, nil
	}

	account, err := repo.LockAccountForUpdate(ctx, destID)
	if err != nil {
		return false, fmt.Errorf("lock destination account %s: %w", destID, err)
	}

	if !account.IsActive {
		log.Printf("level=warn component=saga step=%s outcome=failure reason=destination_inactive account_id=%s", s.Name(), destID)
		sc.PutString(KeyFailureReason, "destination account is not active")
		return false, nil
	}

	sc.PutDecimal(KeyOriginalDestBalance, account.Balance)

	rows, err := repo.ConditionalCredit(ctx, destID, amount)
	if err != nil {
		return false, fmt.Errorf("credit destination account %s: %w", destID, err)
	}
	if rows == 0 {
		log.Printf("level=warn component=saga step=%s outcome=failure reason=conditional_credit_rejected account_id=%s amount=%s", s.Name(), destID, amount)
		sc.PutString(KeyFailureReason, "conditional credit rejected: inactive destination account")
		return false, nil
	}

	newBalance := account.Balance.Add(amount)
	sc.PutDecimal(KeyDestBalanceAfterCredit, newBalance)
	log.Printf("level=info component=saga step=%s outcome=success account_id=%s amount=%s new_balance=%s", s.Name(), destID, amount, newBalance)
	return true, nil
}

// Compensate withdraws the previously credited amount. If the destination
// balance has since dropped below the amount, the reversal fails as a business
// condition and the saga stays COMPENSATING until an operator intervenes.
func (s *CreditDestinationStep) Compensate(ctx context.Context, repo store.Repository, sc *Context) (bool, error) {
	destID, okID := sc.UUID(KeyDestAccountID)
	amount, okAmt := sc.Decimal(KeyAmount)
	if !okID || !okAmt {
		log.Printf("level=error component=saga step=%s msg=\"missing required context for compensation\"", s.Name())
		return false, nil
	}

	account, err := repo.LockAccountForUpdate(ctx, destID)
	if err != nil {
		return false, fmt.Errorf("lock destination account %s for compensation: %w", destID, err)
	}

	if account.Balance.LessThan(amount) {
		log.Printf("level=error component=saga step=%s action=compensate outcome=stuck reason=insufficient_balance account_id=%s available=%s required=%s",
			s.Name(), destID, account.Balance, amount)
		sc.PutString(KeyFailureReason, fmt.Sprintf("cannot reverse credit: destination balance %s below %s", account.Balance, amount))
		sc.PutDecimal(KeyObservedBalance, account.Balance)
		return false, nil
	}

	newBalance := account.Balance.Sub(amount)
	if err := repo.SetAccountBalance(ctx, destID, newBalance); err != nil {
		return false, fmt.Errorf("reverse destination account %s credit: %w", destID, err)
	}

	log.Printf("level=info component=saga step=%s action=compensate account_id=%s amount=%s new_balance=%s", s.Name(), destID, amount, newBalance)
	return true, nil
}
