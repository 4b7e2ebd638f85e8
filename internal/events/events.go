// Package events defines the events exchanged between the alias, account
// and transfer services and the bus contracts they travel over.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an event kind.
type Type string

const (
	TypeAliasRegistered   Type = "AliasRegistered"
	TypeAccountCreated    Type = "AccountCreated"
	TypeAccountUpdated    Type = "AccountUpdated"
	TypeTransferCompleted Type = "TransferCompleted"
)

// Account event kinds carried in AccountEvent.EventType.
const (
	AccountEventCreated = "CREATED"
	AccountEventUpdated = "UPDATED"
)

// AliasRegistered is published once per successful alias registration,
// keyed by alias id.
type AliasRegistered struct {
	AliasID string `json:"alias_id"`
	Name    string `json:"name"`
}

// AccountEvent is informational; consumers must not rely on it for
// correctness of provisioning.
type AccountEvent struct {
	AccountID string `json:"account_id"`
	AliasID   string `json:"alias_id"`
	EventType string `json:"event_type"`
}

// TransferCompleted is published after a transfer has been durably applied.
type TransferCompleted struct {
	TransactionID string          `json:"transaction_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Envelope is the wire form of every event. Key selects the partition, so
// events sharing a key are delivered in publish order.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(typ Type, key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Publisher sends an envelope to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Handler processes one delivery. A non-nil error means the delivery is not
// acknowledged and will be redelivered.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber delivers a topic's events to handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// PublishTimeout bounds one publish attempt made after the state it
// announces has already been committed.
const PublishTimeout = 5 * time.Second

// Topics holds the topic names used by the services.
type Topics struct {
	AliasCreated  string
	AccountEvents string
	Transactions  string
}

// DefaultTopics returns the topic names the services agree on.
func DefaultTopics() Topics {
	return Topics{
		AliasCreated:  "alias-created-topic",
		AccountEvents: "account-events-topic",
		Transactions:  "transactions",
	}
}

// Permanent marks a handler error that redelivery cannot fix, such as a
// malformed payload. Subscribers acknowledge and drop such deliveries.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return "permanent: " + p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }
