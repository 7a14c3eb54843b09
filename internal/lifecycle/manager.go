package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ovpnhub/accessd/internal/locker"
	"github.com/ovpnhub/accessd/internal/models"
	"github.com/ovpnhub/accessd/internal/notify"
	"github.com/ovpnhub/accessd/internal/pool"
	"github.com/ovpnhub/accessd/internal/settings"
)

// Warning thresholds for the expiry state machine.
const (
	warn24hThreshold = 24 * time.Hour
	warn15mThreshold = 15 * time.Minute
)

// lockRetryDelay is the pause before the single lock retry on activation.
const lockRetryDelay = 100 * time.Millisecond

// Lifecycle errors.
var (
	// ErrTransient indicates the per-user lock could not be acquired after a retry.
	ErrTransient = errors.New("lifecycle: transient failure")
	// ErrNoActiveSubscription indicates a cancellation for a user without an
	// active entitlement.
	ErrNoActiveSubscription = errors.New("lifecycle: no active subscription")
)

// Manager drives subscription activation and the expiry state machine.
type Manager struct {
	db         *gorm.DB
	alloc      *pool.Allocator
	dispatcher notify.Dispatcher
	locks      locker.Locker
	now        func() time.Time
}

// NewManager constructs a Manager.
func NewManager(db *gorm.DB, alloc *pool.Allocator, dispatcher notify.Dispatcher, locks locker.Locker) *Manager {
	if db == nil || alloc == nil || dispatcher == nil || locks == nil {
		return nil
	}
	return &Manager{
		db:         db,
		alloc:      alloc,
		dispatcher: dispatcher,
		locks:      locks,
		now:        time.Now,
	}
}

// Activate claims a credential from the bucket and (re)starts the user's
// entitlement window. Any prior notice stage is reset. The paid path passes
// the confirming payment intent ID so a crashed confirmation can be detected
// as already applied.
func (m *Manager) Activate(ctx context.Context, userID uint64, plan models.PlanKind, bucketID string, entitlement time.Duration, intentID string) (*models.Credential, error) {
	if m == nil {
		return nil, errors.New("lifecycle: manager not initialized")
	}
	if entitlement <= 0 {
		return nil, errors.New("lifecycle: entitlement must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	release, errLock := m.lockUser(ctx, userID)
	if errLock != nil {
		return nil, errLock
	}
	defer release()

	cred, errClaim := m.alloc.Claim(ctx, bucketID, userID)
	if errClaim != nil {
		return nil, errClaim
	}

	now := m.now().UTC()
	sub := models.Subscription{
		UserID:             userID,
		Status:             models.SubscriptionStatusActive,
		PlanKind:           plan,
		EntitlementSeconds: int64(entitlement / time.Second),
		ActivatedAt:        &now,
		CredentialID:       &cred.ID,
		NoticeStage:        models.StageActive,
		LastIntentID:       intentID,
	}
	errUpsert := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "plan_kind", "entitlement_seconds", "activated_at",
				"credential_id", "notice_stage", "last_intent_id", "updated_at",
			}),
		}).
		Create(&sub).Error
	if errUpsert != nil {
		// The claim already committed; hand the row back so it is not orphaned.
		if errRelease := m.alloc.Release(ctx, cred.ID); errRelease != nil {
			log.WithError(errRelease).Errorf("lifecycle: release after failed activation (user=%d credential=%d)", userID, cred.ID)
		}
		return nil, fmt.Errorf("lifecycle: persist activation: %w", errUpsert)
	}

	m.send(ctx, notify.Message{
		UserID: userID,
		Kind:   notify.KindCredentialIssued,
		Payload: map[string]any{
			"credential": cred.Value,
			"bucket_id":  bucketID,
			"expires_at": now.Add(entitlement),
		},
	})
	m.checkInventory(ctx, bucketID)
	return cred, nil
}

// checkInventory alerts the operator when a claim leaves the bucket below the
// restock threshold.
func (m *Manager) checkInventory(ctx context.Context, bucketID string) {
	free, errCount := m.alloc.FreeCount(ctx, bucketID)
	if errCount != nil {
		log.WithError(errCount).Warnf("lifecycle: inventory check failed (bucket=%s)", bucketID)
		return
	}
	threshold := settings.DefaultLowInventoryThreshold
	if configured, ok := settings.DBConfigInt(settings.LowInventoryThresholdKey); ok && configured >= 0 {
		threshold = configured
	}
	if free < int64(threshold) {
		m.alert(ctx, notify.Alert{
			Event:    notify.EventLowInventory,
			BucketID: bucketID,
			Detail:   fmt.Sprintf("%d credentials left", free),
		})
	}
}

// Cancel voluntarily ends the user's subscription and returns the credential
// to the free pool. This is the only path that releases credentials.
func (m *Manager) Cancel(ctx context.Context, userID uint64) error {
	if m == nil {
		return errors.New("lifecycle: manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	release, errLock := m.lockUser(ctx, userID)
	if errLock != nil {
		return errLock
	}
	defer release()

	var sub models.Subscription
	if errFind := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrNoActiveSubscription
		}
		return errFind
	}
	if sub.Status != models.SubscriptionStatusActive {
		return ErrNoActiveSubscription
	}

	if sub.CredentialID != nil {
		if errRelease := m.alloc.Release(ctx, *sub.CredentialID); errRelease != nil && !errors.Is(errRelease, pool.ErrNotFound) {
			return errRelease
		}
	}
	errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"status":              models.SubscriptionStatusEnded,
			"entitlement_seconds": 0,
			"activated_at":        nil,
			"credential_id":       nil,
		}).Error
	if errUpdate != nil {
		return errUpdate
	}

	m.send(ctx, notify.Message{UserID: userID, Kind: notify.KindCancelled})
	return nil
}

// Sweep applies the expiry state machine to every active subscription once.
// Delivery failures never block state advancement; a store failure aborts the
// cycle so the next tick can retry.
func (m *Manager) Sweep(ctx context.Context) error {
	if m == nil {
		return errors.New("lifecycle: manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var userIDs []uint64
	if errFind := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status = ?", models.SubscriptionStatusActive).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; errFind != nil {
		return fmt.Errorf("lifecycle: load active subscriptions: %w", errFind)
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errStep := m.sweepOne(ctx, userID); errStep != nil {
			return errStep
		}
	}
	return nil
}

// sweepOne advances one subscription through the stage table.
func (m *Manager) sweepOne(ctx context.Context, userID uint64) error {
	release, errLock := m.locks.Acquire(ctx, userKey(userID))
	if errLock != nil {
		if errors.Is(errLock, locker.ErrLocked) {
			// An activation is in flight for this user; next sweep picks it up.
			log.Debugf("lifecycle: sweep skip locked user=%d", userID)
			return nil
		}
		return errLock
	}
	defer release()

	var sub models.Subscription
	if errFind := m.db.WithContext(ctx).
		Preload("Credential").
		Where("user_id = ?", userID).
		First(&sub).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("lifecycle: load subscription user=%d: %w", userID, errFind)
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil
	}

	now := m.now().UTC()
	remaining := sub.Remaining(now)
	entered := sub.NoticeStage
	stage := entered

	if stage == models.StageActive && remaining < warn24hThreshold {
		stage = models.StageWarn24h
		m.send(ctx, notify.Message{
			UserID:  userID,
			Kind:    notify.KindExpiryWarn24h,
			Payload: map[string]any{"remaining_seconds": int64(remaining / time.Second)},
		})
	}
	if stage == models.StageWarn24h && remaining < warn15mThreshold {
		stage = models.StageWarn15m
		m.send(ctx, notify.Message{
			UserID:  userID,
			Kind:    notify.KindExpiryWarn15m,
			Payload: map[string]any{"remaining_seconds": int64(remaining / time.Second)},
		})
		alert := notify.Alert{Event: notify.EventExpiryNear, UserID: userID}
		if sub.Credential != nil {
			alert.BucketID = sub.Credential.BucketID
			alert.Detail = sub.Credential.Value
		}
		m.alert(ctx, alert)
	}
	// Expiry only fires for subscriptions that entered the sweep at the
	// 15-minute stage, so the final warning always precedes it by a full
	// sweep interval.
	if entered == models.StageWarn15m && remaining <= 0 {
		stage = models.StageExpired
		m.send(ctx, notify.Message{UserID: userID, Kind: notify.KindExpired})
	}

	if stage == entered {
		return nil
	}

	updates := map[string]any{"notice_stage": stage}
	if stage == models.StageExpired {
		updates["status"] = models.SubscriptionStatusEnded
		updates["entitlement_seconds"] = 0
		updates["activated_at"] = nil
		// The credential stays claimed; expired inventory is never recycled
		// automatically.
	}
	// The stage guard keeps the transition monotone even if another writer
	// slipped in between the read and this update.
	errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND notice_stage = ?", userID, entered).
		Updates(updates).Error
	if errUpdate != nil {
		return fmt.Errorf("lifecycle: persist stage user=%d: %w", userID, errUpdate)
	}
	return nil
}

// lockUser acquires the per-user lock, retrying once before giving up.
func (m *Manager) lockUser(ctx context.Context, userID uint64) (func(), error) {
	release, errLock := m.locks.Acquire(ctx, userKey(userID))
	if errors.Is(errLock, locker.ErrLocked) {
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		release, errLock = m.locks.Acquire(ctx, userKey(userID))
	}
	if errLock != nil {
		if errors.Is(errLock, locker.ErrLocked) {
			return nil, ErrTransient
		}
		return nil, errLock
	}
	return release, nil
}

func (m *Manager) send(ctx context.Context, msg notify.Message) {
	if errSend := m.dispatcher.Send(ctx, msg); errSend != nil {
		log.WithError(errSend).Warnf("lifecycle: notify failed (user=%d kind=%s)", msg.UserID, msg.Kind)
	}
}

func (m *Manager) alert(ctx context.Context, alert notify.Alert) {
	if errAlert := m.dispatcher.Alert(ctx, alert); errAlert != nil {
		log.WithError(errAlert).Warnf("lifecycle: operator alert failed (event=%s user=%d)", alert.Event, alert.UserID)
	}
}

func userKey(userID uint64) string {
	return fmt.Sprintf("user:%d", userID)
}
