package billing

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation     string
	AccountID     string
	TransactionID string
	EventID       string
	Source        FundingSource
	Units         int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides transaction id generation (tests use this for
// deterministic ids).
func WithIDGenerator(idFn func() string) ServiceOption {
	return func(service *Service) {
		if idFn != nil {
			service.idFn = idFn
		}
	}
}

// WithReloadInitiator wires the external payment-initiation collaborator
// that receives auto-reload intents.
func WithReloadInitiator(initiator ReloadInitiator) ServiceOption {
	return func(service *Service) {
		service.initiator = initiator
	}
}
