package transfer

import (
	"context"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
)

// DefaultStepUpThreshold is the largest amount that moves without step-up authentication.
const DefaultStepUpThreshold ledger.Points = 1000

// Request moves points between two developers.
type Request struct {
	Sender      ledger.DeveloperID
	Recipient   ledger.DeveloperID
	Amount      ledger.Points
	Reason      string
	StepUpToken string
	Endpoint    string
}

// Result reports a committed transfer.
type Result struct {
	TransferID          string
	NewSenderBalance    ledger.Points
	NewRecipientBalance ledger.Points
}

// StepUpVerifier validates a step-up token for a sender.
type StepUpVerifier interface {
	Verify(ctx context.Context, sender ledger.DeveloperID, token string) error
}

// Store is the persistence contract used by Service.
type Store interface {
	ledger.AccountStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}
