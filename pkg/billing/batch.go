package billing

import (
	"context"
	"fmt"
)

// BatchReservation is the all-or-nothing reservation covering N
// independently billable sub-items of one request.
type BatchReservation struct {
	TransactionID  string
	Source         FundingSource
	Units          int64
	TrialRemaining int64
	TokenBalance   int64
}

// ReserveBatch authorizes and deducts all N units in a single lock
// acquisition. A request for N units is denied outright when no single
// source covers N, even if a smaller request would succeed; billing
// granularity is restored later through per-item refunds.
func (service *Service) ReserveBatch(ctx context.Context, accountID string, units Units) (BatchReservation, error) {
	result, err := service.Charge(ctx, accountID, units)
	if err != nil {
		return BatchReservation{}, err
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserveBatch,
		AccountID:     accountID,
		TransactionID: result.TransactionID,
		Source:        result.Source,
		Units:         units.Int64(),
	})
	return BatchReservation{
		TransactionID:  result.TransactionID,
		Source:         result.Source,
		Units:          units.Int64(),
		TrialRemaining: result.TrialRemaining,
		TokenBalance:   result.TokenBalance,
	}, nil
}

// FailBatchItem refunds exactly one unit for a failed sub-item. Retrying
// the same item index is a no-op; other items of the batch stay billed.
func (service *Service) FailBatchItem(ctx context.Context, accountID string, reservationTransactionID string, itemIndex int, reason string) (RefundResult, error) {
	return service.Refund(ctx, accountID, reservationTransactionID, 1, batchItemRef(itemIndex), reason)
}

func batchItemRef(itemIndex int) string {
	return fmt.Sprintf("%s%d", batchItemRefPrefix, itemIndex)
}
