package requests

import (
	"fmt"
	"slices"
)

// InvalidStateTransitionError is returned for a status change outside
// AllowedTransitions.
type InvalidStateTransitionError struct {
	From      Status
	To        Status
	RequestID string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for request %s", e.From, e.To, e.RequestID)
}

// InvalidOperationError is returned when an operation is not allowed in the
// current status.
type InvalidOperationError struct {
	Status    Status
	Operation Operation
	RequestID string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s for status %s in request %s", e.Operation, e.Status, e.RequestID)
}

type Operation string

const (
	OpSubmit     Operation = "submit"
	OpConfirmTAN Operation = "confirm_tan"
	OpExecute    Operation = "execute"
	OpCancel     Operation = "cancel"
)

// AllowedTransitions defines valid status changes.
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusCreated:       {StatusValidated, StatusCancelled, StatusRejected},
		StatusValidated:     {StatusPendingTAN, StatusPendingAction, StatusExecuted, StatusCancelled, StatusRejected},
		StatusPendingTAN:    {StatusPendingAction, StatusExecuted, StatusCancelled, StatusRejected},
		StatusPendingAction: {StatusExecuted, StatusCancelled, StatusRejected},
		StatusExecuted:      {},
		StatusCancelled:     {},
		StatusRejected:      {},
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions()[from], to)
}

var operationStatuses = map[Operation][]Status{
	OpSubmit:     {StatusCreated},
	OpConfirmTAN: {StatusPendingTAN},
	OpExecute:    {StatusValidated, StatusPendingAction},
	OpCancel:     {StatusCreated, StatusValidated, StatusPendingAction, StatusPendingTAN},
}

// ValidateOperation checks that op may run on a request in status.
func ValidateOperation(requestID string, status Status, op Operation) error {
	allowed, ok := operationStatuses[op]
	if !ok {
		return fmt.Errorf("unknown operation: %s", op)
	}
	if !slices.Contains(allowed, status) {
		return &InvalidOperationError{Status: status, Operation: op, RequestID: requestID}
	}
	return nil
}
