package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleMerchant  MessageRole = "merchant"
)

// ConversationMessage is one turn of conversation history.
type ConversationMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConversationStatus says who is answering the customer.
type ConversationStatus string

const (
	ConversationStatusAI       ConversationStatus = "ai"
	ConversationStatusHuman    ConversationStatus = "human"
	ConversationStatusResolved ConversationStatus = "resolved"
)

// IsValid returns true if the status is a known value.
func (s ConversationStatus) IsValid() bool {
	switch s {
	case ConversationStatusAI, ConversationStatusHuman, ConversationStatusResolved:
		return true
	}
	return false
}

// Intent is the classified purpose of an inbound customer message.
type Intent string

const (
	IntentQuestion     Intent = "question"
	IntentComplaint    Intent = "complaint"
	IntentChat         Intent = "chat"
	IntentOptOut       Intent = "opt_out"
	IntentReturnIntent Intent = "return_intent"
)

// ParseIntent maps raw classifier output onto the closed intent set.
// Anything unrecognized is chat.
func ParseIntent(raw string) Intent {
	switch Intent(raw) {
	case IntentQuestion, IntentComplaint, IntentChat, IntentOptOut, IntentReturnIntent:
		return Intent(raw)
	}
	return IntentChat
}

// Conversation holds one customer's message history with a merchant.
type Conversation struct {
	ID               uuid.UUID             `json:"id"`
	MerchantID       uuid.UUID             `json:"merchant_id"`
	UserID           uuid.UUID             `json:"user_id"`
	OrderID          *uuid.UUID            `json:"order_id,omitempty"`
	History          []ConversationMessage `json:"history"`
	CurrentState     Intent                `json:"current_state,omitempty"`
	Status           ConversationStatus    `json:"conversation_status"`
	EscalatedAt      *time.Time            `json:"escalated_at,omitempty"`
	EscalationReason string                `json:"escalation_reason,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// RecentHistory returns the last n messages.
func (c *Conversation) RecentHistory(n int) []ConversationMessage {
	if len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}
