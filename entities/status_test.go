package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationStatus_CanTransitionTo(t *testing.T) {
	testData := []struct {
		from OperationStatus
		to   OperationStatus
		want bool
	}{
		{StatusAdmitted, StatusInBatch, true},
		{StatusAdmitted, StatusInFlight, false},
		{StatusAdmitted, StatusBundleReverted, false},
		{StatusInBatch, StatusInFlight, true},
		{StatusInBatch, StatusAdmitted, false},
		{StatusInFlight, StatusExecutedSuccess, true},
		{StatusInFlight, StatusOperationExecutionFailed, true},
		{StatusInFlight, StatusOperationProcessingFailed, true},
		{StatusInFlight, StatusBundleReverted, true},
		{StatusInFlight, StatusInBatch, false},
		{StatusExecutedSuccess, StatusBundleReverted, false},
		{StatusBundleReverted, StatusAdmitted, false},
	}

	for _, testRun := range testData {
		t.Run(string(testRun.from)+"->"+string(testRun.to), func(t *testing.T) {
			assert.Equal(t, testRun.want, testRun.from.CanTransitionTo(testRun.to))
		})
	}
}

func TestOperationStatus_ReleasesNullifiers(t *testing.T) {
	assert.True(t, StatusBundleReverted.ReleasesNullifiers())
	assert.True(t, StatusOperationProcessingFailed.ReleasesNullifiers())
	assert.False(t, StatusExecutedSuccess.ReleasesNullifiers())
	assert.False(t, StatusOperationExecutionFailed.ReleasesNullifiers())
	assert.False(t, StatusInFlight.ReleasesNullifiers())
}

func TestStatusFromOutcome(t *testing.T) {
	assert.Equal(t, StatusExecutedSuccess, StatusFromOutcome(true, true))
	assert.Equal(t, StatusOperationExecutionFailed, StatusFromOutcome(true, false))
	assert.Equal(t, StatusOperationProcessingFailed, StatusFromOutcome(false, true))
	assert.Equal(t, StatusOperationProcessingFailed, StatusFromOutcome(false, false))
}
