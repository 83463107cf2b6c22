package model

import "time"

// Customer is created lazily on a user's first successful identity
// verification and never deleted by this system.
type Customer struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Customer) TableName() string { return "customers" }
