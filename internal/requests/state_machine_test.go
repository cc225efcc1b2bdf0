package requests

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusValidated, true},
		{StatusCreated, StatusExecuted, false},
		{StatusValidated, StatusPendingTAN, true},
		{StatusValidated, StatusExecuted, true},
		{StatusPendingTAN, StatusPendingAction, true},
		{StatusPendingTAN, StatusValidated, false},
		{StatusPendingAction, StatusExecuted, true},
		{StatusPendingAction, StatusPendingTAN, false},
		{StatusExecuted, StatusCancelled, false},
		{StatusCancelled, StatusValidated, false},
		{StatusRejected, StatusExecuted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for status, next := range AllowedTransitions() {
		if status.Terminal() {
			assert.Empty(t, next, status)
		} else {
			assert.NotEmpty(t, next, status)
		}
	}
}

func TestValidateOperation(t *testing.T) {
	assert.NoError(t, ValidateOperation("r", StatusCreated, OpSubmit))
	assert.NoError(t, ValidateOperation("r", StatusPendingTAN, OpConfirmTAN))
	assert.NoError(t, ValidateOperation("r", StatusPendingAction, OpExecute))
	assert.NoError(t, ValidateOperation("r", StatusPendingTAN, OpCancel))

	err := ValidateOperation("r", StatusExecuted, OpCancel)
	var opErr *InvalidOperationError
	assert.ErrorAs(t, err, &opErr)
	assert.Equal(t, StatusExecuted, opErr.Status)

	assert.Error(t, ValidateOperation("r", StatusCreated, OpExecute))
	assert.Error(t, ValidateOperation("r", StatusCreated, "refund"))
}

func TestSettingsGates(t *testing.T) {
	s := NewSettings(map[Subject]SubjectSettings{
		SubjectTBA: {ActionRequired: true},
		SubjectTBU: {TANRequired: true, ActionRequired: true},
		SubjectOWT: {TANRequired: true},
	})
	user := func(data SubjectData) *Request { return &Request{Initiator: InitiatorUser, UserID: "u", Data: data} }

	assert.Equal(t, StatusPendingAction, s.next(user(TBAData{})))
	assert.Equal(t, StatusPendingTAN, s.next(user(TBUData{})))
	assert.Equal(t, StatusExecuted, s.next(user(ConvertData{})))
	assert.Equal(t, StatusExecuted, s.next(&Request{Initiator: InitiatorAdmin, Data: TBUData{}}))

	assert.Equal(t, StatusPendingAction, s.afterTAN(user(TBUData{})))
	assert.Equal(t, StatusExecuted, s.afterTAN(user(OWTData{})))
}

func TestDefaultRateDesignation(t *testing.T) {
	assert.Equal(t, ReferenceBase, DefaultRateDesignation(SubjectOWT))
	assert.Equal(t, BaseReference, DefaultRateDesignation(SubjectTBA))
}
