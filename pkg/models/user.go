package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsentStatus is a customer's messaging consent.
type ConsentStatus string

const (
	ConsentPending ConsentStatus = "pending"
	ConsentOptIn   ConsentStatus = "opt_in"
	ConsentOptOut  ConsentStatus = "opt_out"
)

// IsValid returns true if the consent status is a known value.
func (c ConsentStatus) IsValid() bool {
	switch c {
	case ConsentPending, ConsentOptIn, ConsentOptOut:
		return true
	}
	return false
}

// User is a merchant's end customer, identified by phone.
// Phone is held decrypted in memory only; the database stores PhoneEncrypted.
type User struct {
	ID             uuid.UUID     `json:"id"`
	MerchantID     uuid.UUID     `json:"merchant_id"`
	Phone          string        `json:"-"`
	PhoneEncrypted string        `json:"-"`
	PhoneHash      string        `json:"-"`
	Name           string        `json:"name,omitempty"`
	ConsentStatus  ConsentStatus `json:"consent_status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
