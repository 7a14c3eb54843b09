package notify

import "context"

// Kind identifies an outbound user notification for the front-end to render.
type Kind string

// User notification kinds.
const (
	// KindCredentialIssued delivers a freshly claimed credential.
	KindCredentialIssued Kind = "credential_issued"
	// KindExpiryWarn24h warns that less than 24 hours remain.
	KindExpiryWarn24h Kind = "expiry_warn_24h"
	// KindExpiryWarn15m warns that less than 15 minutes remain.
	KindExpiryWarn15m Kind = "expiry_warn_15m"
	// KindExpired informs the user their access ended.
	KindExpired Kind = "expired"
	// KindCancelled confirms a voluntary cancellation.
	KindCancelled Kind = "cancelled"
	// KindPaymentRejected informs the user their charge was declined.
	KindPaymentRejected Kind = "payment_rejected"
	// KindNoInventory apologizes when no credential is available.
	KindNoInventory Kind = "no_inventory"
)

// Operator alert events.
const (
	// EventPoolExhausted fires when a claim finds an empty bucket.
	EventPoolExhausted = "pool_exhausted"
	// EventPaymentWithoutInventory fires when money moved but no credential was free.
	EventPaymentWithoutInventory = "payment_without_inventory"
	// EventExpiryNear fires alongside the 15-minute user warning.
	EventExpiryNear = "expiry_near"
	// EventLowInventory fires when a claim drops a bucket under the restock threshold.
	EventLowInventory = "low_inventory"
)

// Message is one outbound user notification.
type Message struct {
	UserID  uint64         `json:"user_id"`
	Kind    Kind           `json:"message_kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Alert is one structured operator alert.
type Alert struct {
	Event    string `json:"event"`
	BucketID string `json:"bucket_id,omitempty"`
	UserID   uint64 `json:"user_id,omitempty"`
	IntentID string `json:"intent_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Dispatcher delivers notifications and alerts to the front-end boundary.
// Implementations must not be relied on for durability: callers log failures
// and move on.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
	Alert(ctx context.Context, alert Alert) error
}
