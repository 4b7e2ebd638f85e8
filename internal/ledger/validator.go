package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/alias-ledger/internal/apperr"
)

// MoneyScale is the number of fractional digits amounts and balances carry.
const MoneyScale = 2

var maxAmount = decimal.RequireFromString("999999999999.99")

// Validator checks inputs before they reach the store.
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	AccountID      string         `json:"account_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Err converts a failed result into a validation error.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return apperr.Validation(r.Message)
}

func invalid(kind, format string, args ...any) *ValidationResult {
	return &ValidationResult{ValidationType: kind, Message: fmt.Sprintf(format, args...)}
}

func valid(kind string) *ValidationResult {
	return &ValidationResult{IsValid: true, ValidationType: kind, Message: kind + " is valid"}
}

// ValidateTransferAmount checks that amount is positive, within limits and
// representable in whole cents.
func (v *Validator) ValidateTransferAmount(amount decimal.Decimal) *ValidationResult {
	const kind = "transfer_amount"
	if !amount.IsPositive() {
		return invalid(kind, "transfer amount must be greater than zero")
	}
	if amount.GreaterThan(maxAmount) {
		return invalid(kind, "transfer amount exceeds maximum limit")
	}
	if !hasScale(amount) {
		return invalid(kind, "transfer amount must have at most %d decimal places", MoneyScale)
	}
	return valid(kind)
}

// ValidateInitialBalance checks an opening balance for direct account
// creation.
func (v *Validator) ValidateInitialBalance(balance decimal.Decimal) *ValidationResult {
	const kind = "initial_balance"
	if balance.IsNegative() {
		return invalid(kind, "balance cannot be negative")
	}
	if balance.GreaterThan(maxAmount) {
		return invalid(kind, "balance exceeds maximum limit")
	}
	if !hasScale(balance) {
		return invalid(kind, "balance must have at most %d decimal places", MoneyScale)
	}
	return valid(kind)
}

// ValidateBankName requires at least two non-blank characters.
func (v *Validator) ValidateBankName(name string) *ValidationResult {
	const kind = "bank_name"
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid(kind, "bank name cannot be blank")
	}
	if len(name) < 2 || len(name) > 100 {
		return invalid(kind, "bank name must be between 2 and 100 characters")
	}
	return valid(kind)
}

// ValidateConservation compares the total balance of accounts before and
// after a set of transfers. Both slices must describe the same accounts.
func (v *Validator) ValidateConservation(before, after []Account) *ValidationResult {
	const kind = "conservation"
	sumBefore, sumAfter := decimal.Zero, decimal.Zero
	for _, a := range before {
		sumBefore = sumBefore.Add(a.Balance)
	}
	for _, a := range after {
		if a.Balance.IsNegative() {
			r := invalid(kind, "account %s has negative balance %s", a.ID, a.Balance.StringFixed(MoneyScale))
			r.AccountID = a.ID
			return r
		}
		sumAfter = sumAfter.Add(a.Balance)
	}
	if !sumBefore.Equal(sumAfter) {
		r := invalid(kind, "total balance drifted from %s to %s", sumBefore.StringFixed(MoneyScale), sumAfter.StringFixed(MoneyScale))
		r.Details = map[string]any{
			"before":     sumBefore.StringFixed(MoneyScale),
			"after":      sumAfter.StringFixed(MoneyScale),
			"difference": sumAfter.Sub(sumBefore).StringFixed(MoneyScale),
		}
		return r
	}
	return valid(kind)
}

// ParseAmount parses a decimal string and checks it is a valid transfer
// amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, apperr.Validation(fmt.Sprintf("invalid amount %q", s))
	}
	if err := NewValidator().ValidateTransferAmount(amount).Err(); err != nil {
		return decimal.Decimal{}, err
	}
	return amount, nil
}

func hasScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}
