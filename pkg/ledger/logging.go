package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation   string
	DeveloperID DeveloperID
	Subject     string
	Amount      Points
	Metadata    MetadataJSON
	Status      string
	Warnings    []string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithApplyAttempts bounds how many times ApplyDelta retries after a concurrent update.
func WithApplyAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.attempts = attempts
		}
	}
}

// EmitOperation fills in the status and forwards the entry. A nil logger is ignored.
func EmitOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error != nil:
			entry.Status = OperationStatusError
		case len(entry.Warnings) > 0:
			entry.Status = OperationStatusWarning
		default:
			entry.Status = OperationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
