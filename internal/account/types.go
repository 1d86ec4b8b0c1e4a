package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a directory record holding a credits balance.
type Account struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	Email     string          `json:"email"`
	FullName  string          `json:"full_name"`
	Active    bool            `json:"active"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"` // optimistic concurrency token, bumped on every save
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no state with a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// Validate checks the fields every store requires before a write.
func (a *Account) Validate() error {
	if a == nil {
		return ErrInvalidArgument
	}
	if a.Username == "" || a.Email == "" {
		return ErrInvalidArgument
	}
	if a.Balance.IsNegative() {
		return ErrInvalidArgument
	}
	return nil
}

// Snapshot is a point-in-time copy of every stored account.
type Snapshot struct {
	Version    int        `json:"version"`
	CapturedAt time.Time  `json:"captured_at"`
	Accounts   []*Account `json:"accounts"`
}
