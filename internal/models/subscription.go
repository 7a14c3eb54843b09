package models

import "time"

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

// Subscription statuses.
const (
	// SubscriptionStatusNone marks a registered user without entitlement.
	SubscriptionStatusNone SubscriptionStatus = "none"
	// SubscriptionStatusActive marks a running entitlement window.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusEnded marks an expired or cancelled subscription.
	SubscriptionStatusEnded SubscriptionStatus = "ended"
)

// PlanKind distinguishes trial grants from paid ones.
type PlanKind string

// Plan kinds.
const (
	// PlanKindTrial is a free time-limited grant.
	PlanKindTrial PlanKind = "trial"
	// PlanKindPaid is a grant backed by a confirmed payment.
	PlanKindPaid PlanKind = "paid"
)

// NoticeStage is the position in the expiry-warning state machine.
type NoticeStage int

// Notice stages. The stage is monotone while the subscription is active
// and resets to StageActive only on a fresh activation.
const (
	// StageActive means no warning has been sent yet.
	StageActive NoticeStage = 0
	// StageWarn24h means the 24-hour warning has been delivered.
	StageWarn24h NoticeStage = 1
	// StageWarn15m means the 15-minute warning has been delivered.
	StageWarn15m NoticeStage = 2
	// StageExpired means expiry has been handled; terminal until reactivation.
	StageExpired NoticeStage = 3
)

// Subscription tracks one user's entitlement window. One row per user.
type Subscription struct {
	UserID uint64 `gorm:"primaryKey"` // Owning user ID.

	Status   SubscriptionStatus `gorm:"type:text;not null;default:'none';index"` // Lifecycle state.
	PlanKind PlanKind           `gorm:"type:text;not null;default:'trial'"`      // Trial or paid.

	EntitlementSeconds int64      `gorm:"not null;default:0"` // Total granted duration.
	ActivatedAt        *time.Time // Activation timestamp.

	CredentialID *uint64     `gorm:"index"`                   // Assigned credential, if active.
	Credential   *Credential `gorm:"foreignKey:CredentialID"` // Assigned credential record.

	NoticeStage NoticeStage `gorm:"not null;default:0"` // Expiry-warning stage.

	LastIntentID string `gorm:"type:text;index"` // Payment intent that produced the last activation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Remaining returns the entitlement left at the given instant.
func (s *Subscription) Remaining(now time.Time) time.Duration {
	if s == nil || s.ActivatedAt == nil {
		return 0
	}
	total := time.Duration(s.EntitlementSeconds) * time.Second
	return total - now.Sub(*s.ActivatedAt)
}
