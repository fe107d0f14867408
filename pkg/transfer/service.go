package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/google/uuid"
)

const (
	operationTransfer    = "transfer.send"
	defaultApplyAttempts = 3
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStepUpThreshold overrides the amount above which a step-up token is required.
func WithStepUpThreshold(threshold ledger.Points) ServiceOption {
	return func(service *Service) {
		if threshold > 0 {
			service.threshold = threshold
		}
	}
}

// Service moves points between developers.
type Service struct {
	store     Store
	verifier  StepUpVerifier
	clock     func() time.Time
	logger    ledger.OperationLogger
	threshold ledger.Points
	attempts  int
}

// NewService wires a Service.
func NewService(store Store, verifier StepUpVerifier, clock func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: step-up verifier is nil", ErrInvalidServiceConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		verifier:  verifier,
		clock:     clock,
		threshold: DefaultStepUpThreshold,
		attempts:  defaultApplyAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Threshold reports the step-up threshold in effect.
func (service *Service) Threshold() ledger.Points {
	return service.threshold
}

// Transfer debits the sender and credits the recipient in one transaction. Both rows carry the
// same transfer_id in their metadata.
func (service *Service) Transfer(ctx context.Context, request Request) (Result, error) {
	result, operationError := service.transfer(ctx, request)
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationTransfer,
		DeveloperID: request.Sender,
		Subject:     request.Recipient.String(),
		Amount:      request.Amount,
		Error:       operationError,
	})
	return result, operationError
}

func (service *Service) transfer(ctx context.Context, request Request) (Result, error) {
	if request.Sender.IsZero() || request.Recipient.IsZero() {
		return Result{}, fmt.Errorf("%w: sender and recipient are required", ledger.ErrInvalidDeveloperID)
	}
	if request.Amount <= 0 {
		return Result{}, fmt.Errorf("%w: transfer must be greater than zero", ledger.ErrInvalidAmount)
	}
	if request.Sender == request.Recipient {
		return Result{}, ErrSelfTransfer
	}
	if request.Amount > service.threshold {
		if request.StepUpToken == "" {
			return Result{}, fmt.Errorf("%w: transfers above %d points", ErrStepUpRequired, service.threshold)
		}
		if err := service.verifier.Verify(ctx, request.Sender, request.StepUpToken); err != nil {
			return Result{}, err
		}
	}

	transferID := uuid.NewString()
	var result Result
	err := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			recipient, err := lockPair(ctx, transactionStore, request.Sender, request.Recipient)
			if err != nil {
				return err
			}
			if !recipient.Active || !recipient.Verified {
				return fmt.Errorf("%w: %s", ErrRecipientNotEligible, request.Recipient.String())
			}
			now := service.clock()
			debitMetadata, err := ledger.MetadataFrom(map[string]any{
				"transfer_id": transferID,
				"direction":   "out",
				"counterpart": request.Recipient.String(),
				"reason":      request.Reason,
			})
			if err != nil {
				return err
			}
			debit, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
				DeveloperID: request.Sender,
				Amount:      request.Amount.Negated(),
				Type:        ledger.TransactionTransfer,
				Endpoint:    request.Endpoint,
				Metadata:    debitMetadata,
			}, now)
			if err != nil {
				return err
			}
			creditMetadata, err := ledger.MetadataFrom(map[string]any{
				"transfer_id": transferID,
				"direction":   "in",
				"counterpart": request.Sender.String(),
				"reason":      request.Reason,
			})
			if err != nil {
				return err
			}
			credit, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
				DeveloperID: request.Recipient,
				Amount:      request.Amount,
				Type:        ledger.TransactionTransfer,
				Endpoint:    request.Endpoint,
				Metadata:    creditMetadata,
			}, now)
			if err != nil {
				return err
			}
			result = Result{
				TransferID:          transferID,
				NewSenderBalance:    debit.BalanceAfter,
				NewRecipientBalance: credit.BalanceAfter,
			}
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// lockPair locks both accounts in developer id order and returns the recipient.
func lockPair(ctx context.Context, store Store, sender ledger.DeveloperID, recipient ledger.DeveloperID) (ledger.Account, error) {
	first, second := sender, recipient
	if second.String() < first.String() {
		first, second = second, first
	}
	firstAccount, err := lockAccount(ctx, store, first, first == recipient)
	if err != nil {
		return ledger.Account{}, err
	}
	secondAccount, err := lockAccount(ctx, store, second, second == recipient)
	if err != nil {
		return ledger.Account{}, err
	}
	if first == recipient {
		return firstAccount, nil
	}
	return secondAccount, nil
}

func lockAccount(ctx context.Context, store Store, developerID ledger.DeveloperID, isRecipient bool) (ledger.Account, error) {
	account, err := store.LockAccount(ctx, developerID)
	if err != nil && isRecipient && errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ErrRecipientNotEligible, developerID.String())
	}
	return account, err
}
