package billing

const (
	operationCreateAccount = "create_account"
	operationCharge        = "charge"
	operationDeduct        = "deduct"
	operationRefund        = "refund"
	operationApplyEvent    = "apply_event"
	operationReserveBatch  = "reserve_batch"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Throttle between auto-reload triggers and the failure count that
	// trips the circuit breaker.
	reloadThrottleSeconds int64 = 60
	reloadFailureLimit    int   = 3

	batchItemRefPrefix = "item-"
)
