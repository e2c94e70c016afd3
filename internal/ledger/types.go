package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound is returned when an account id is unknown to the partition.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds is returned when a transfer would overdraw the source.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive or over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrMalformedSnapshot is returned when a snapshot fails to decode.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrMalformedRecord is returned when the partition file contains a bad line.
	ErrMalformedRecord = errors.New("malformed partition record")
)

// TxStatus records whether a transfer attempt was applied.
type TxStatus string

const (
	TxConfirmed TxStatus = "CONFIRMED"
	TxRejected  TxStatus = "REJECTED"
)

// Client is the immutable owner of one or more accounts.
type Client struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Account is a balance holder. Balance has two decimal places.
type Account struct {
	ID       int64           `json:"id"`
	ClientID int64           `json:"client_id"`
	Balance  decimal.Decimal `json:"balance"`
	Kind     string          `json:"kind"`
}

// Transaction is one entry of a partition's append-only history.
// ID is sequential within the partition only.
type Transaction struct {
	ID        int             `json:"id"`
	Partition int             `json:"partition"`
	Source    int64           `json:"source"`
	Dest      int64           `json:"dest"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
	Status    TxStatus        `json:"status"`
}

// GlobalID composes a cluster-wide unique id from partition and local id.
func (t Transaction) GlobalID() string {
	return fmt.Sprintf("P%d-%d", t.Partition, t.ID)
}

// ParseAmount parses a transfer amount as sent on the wire. The amount must
// be strictly positive with at most two decimal places.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() || !d.Equal(d.Round(2)) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// FormatAmount renders a money value with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// validText reports whether s can be stored in a pipe-delimited record.
func validText(s string) bool {
	return !strings.ContainsAny(s, "|\r\n")
}
