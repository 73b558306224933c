package entities

type OperationStatus string

const (
	StatusAdmitted                  OperationStatus = "ADMITTED"
	StatusInBatch                   OperationStatus = "IN_BATCH"
	StatusInFlight                  OperationStatus = "IN_FLIGHT"
	StatusExecutedSuccess           OperationStatus = "EXECUTED_SUCCESS"
	StatusOperationExecutionFailed  OperationStatus = "OPERATION_EXECUTION_FAILED"
	StatusOperationProcessingFailed OperationStatus = "OPERATION_PROCESSING_FAILED"
	StatusBundleReverted            OperationStatus = "BUNDLE_REVERTED"
)

func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusExecutedSuccess, StatusOperationExecutionFailed, StatusOperationProcessingFailed, StatusBundleReverted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	switch s {
	case StatusAdmitted:
		return next == StatusInBatch
	case StatusInBatch:
		return next == StatusInFlight
	case StatusInFlight:
		return next.IsTerminal()
	default:
		return false
	}
}

// ReleasesNullifiers reports whether an operation ending in s gives its nullifiers back.
// Successful or execution-failed operations consumed their notes on chain.
func (s OperationStatus) ReleasesNullifiers() bool {
	return s == StatusBundleReverted || s == StatusOperationProcessingFailed
}

// StatusFromOutcome maps the flags of an on-chain processed event to a terminal status.
func StatusFromOutcome(assetsUnwrapped, opProcessed bool) OperationStatus {
	switch {
	case !assetsUnwrapped:
		return StatusOperationProcessingFailed
	case !opProcessed:
		return StatusOperationExecutionFailed
	default:
		return StatusExecutedSuccess
	}
}
