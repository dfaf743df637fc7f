package domain

import "time"

// User represents a platform account.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte
	Credits      int
	CreatedAt    time.Time
}

// Transaction is a plan purchase; only paid ones grant a plan.
type Transaction struct {
	ID        string
	UserID    string
	PlanID    string
	Amount    float64
	Credits   int
	IsPaid    bool
	CreatedAt time.Time
}
