package models

import (
	"time"

	"github.com/google/uuid"
)

// PreventionOutcome is the result of a return-prevention attempt.
type PreventionOutcome string

const (
	OutcomePending   PreventionOutcome = "pending"
	OutcomePrevented PreventionOutcome = "prevented"
	OutcomeReturned  PreventionOutcome = "returned"
	OutcomeEscalated PreventionOutcome = "escalated"
)

// IsTerminal reports whether no further transitions are expected.
func (o PreventionOutcome) IsTerminal() bool {
	switch o {
	case OutcomePrevented, OutcomeReturned, OutcomeEscalated:
		return true
	case OutcomePending:
		return false
	}
	return false
}

// ReturnPreventionAttempt tracks one attempt to talk a customer out of a return.
// At most one attempt per conversation may be pending.
type ReturnPreventionAttempt struct {
	ID                 uuid.UUID         `json:"id"`
	MerchantID         uuid.UUID         `json:"merchant_id"`
	ConversationID     uuid.UUID         `json:"conversation_id"`
	OrderID            *uuid.UUID        `json:"order_id,omitempty"`
	TriggerMessage     string            `json:"trigger_message"`
	PreventionResponse string            `json:"prevention_response"`
	Outcome            PreventionOutcome `json:"outcome"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
