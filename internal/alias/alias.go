// Package alias owns alias registration: unique, immutable names that
// identify parties able to send and receive funds.
package alias

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/example/alias-ledger/internal/apperr"
)

// Alias is a registered, user-facing name.
type Alias struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CredentialHash string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the durable alias registry. CreateAlias must enforce name
// uniqueness itself and fail with apperr.ErrDuplicateAlias when the name is
// taken; callers never check for existence first.
type Store interface {
	CreateAlias(ctx context.Context, a *Alias) error
	GetAliasByName(ctx context.Context, name string) (*Alias, error)
	GetAliasByID(ctx context.Context, id string) (*Alias, error)
}

const maxNameLength = 64

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ValidateName checks the alias name format.
func ValidateName(name string) error {
	if name == "" {
		return apperr.Validation("alias name cannot be blank")
	}
	if len(name) > maxNameLength {
		return apperr.Validation(fmt.Sprintf("alias name must be at most %d characters", maxNameLength))
	}
	if !namePattern.MatchString(name) {
		return apperr.Validation("alias name can only contain letters and numbers")
	}
	return nil
}
