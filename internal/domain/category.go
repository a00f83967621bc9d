package domain

import "time"

// Category is a per-user named bucket. Names are unique per owner,
// compared case-insensitively.
type Category struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

// MerchantMapping forces every transaction of a merchant into one category.
// MerchantName is stored upper-cased.
type MerchantMapping struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	MerchantName string    `json:"merchant_name"`
	CategoryName string    `json:"category"`
	CreatedAt    time.Time `json:"created_at"`
}
