package ledger

const (
	operationApplyDelta   = "ledger.apply_delta"
	operationOpenAccount  = "ledger.open_account"
	operationUpdateStatus = "ledger.update_status"
	operationReconcile    = "ledger.reconcile"

	// OperationStatusOK marks a successful operation log.
	OperationStatusOK = "ok"
	// OperationStatusError marks a failed operation log.
	OperationStatusError = "error"
	// OperationStatusWarning marks a successful operation with a degraded side effect.
	OperationStatusWarning = "warning"

	defaultApplyAttempts = 3
	defaultListLimit     = 50
	maxListLimit         = 200
)
