package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ovpnhub/accessd/internal/config"
	"github.com/ovpnhub/accessd/internal/lifecycle"
	"github.com/ovpnhub/accessd/internal/models"
	"github.com/ovpnhub/accessd/internal/notify"
	"github.com/ovpnhub/accessd/internal/pool"
)

// Reconciliation errors.
var (
	// ErrIntentNotFound indicates the intent ID is unknown.
	ErrIntentNotFound = errors.New("payment: intent not found")
	// ErrPayerMismatch indicates the confirming payer does not own the intent.
	ErrPayerMismatch = errors.New("payment: payer mismatch")
	// ErrUnknownPlan indicates the intent references a bucket without a plan.
	ErrUnknownPlan = errors.New("payment: unknown plan")
)

// Service converts provider confirmations into credential grants exactly once.
type Service struct {
	db         *gorm.DB
	provider   ProviderClient
	lifecycle  *lifecycle.Manager
	dispatcher notify.Dispatcher
	catalog    *config.PlanCatalog
}

// NewService constructs a Service.
func NewService(db *gorm.DB, provider ProviderClient, manager *lifecycle.Manager, dispatcher notify.Dispatcher, catalog *config.PlanCatalog) *Service {
	if db == nil || provider == nil || manager == nil || dispatcher == nil || catalog == nil {
		return nil
	}
	return &Service{
		db:         db,
		provider:   provider,
		lifecycle:  manager,
		dispatcher: dispatcher,
		catalog:    catalog,
	}
}

// CreateIntent issues a charge at the provider and records the pending intent.
func (s *Service) CreateIntent(ctx context.Context, userID uint64, bucketID string) (string, error) {
	if s == nil {
		return "", errors.New("payment: service not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	plan, ok := s.catalog.Lookup(bucketID)
	if !ok {
		return "", ErrUnknownPlan
	}
	if plan.Kind != models.PlanKindPaid {
		return "", fmt.Errorf("payment: bucket %s is not purchasable", bucketID)
	}

	intentID, errCharge := s.provider.CreateCharge(ctx, ChargeRequest{
		AmountMinor: plan.AmountMinor,
		Currency:    plan.Currency,
		Description: fmt.Sprintf("VPN access %s", bucketID),
		Metadata: map[string]string{
			"user_id":   strconv.FormatUint(userID, 10),
			"bucket_id": bucketID,
		},
	})
	if errCharge != nil {
		return "", fmt.Errorf("payment: create charge: %w", errCharge)
	}

	metadata, _ := json.Marshal(map[string]string{"bucket_id": bucketID})
	row := models.PaymentIntent{
		IntentID:    intentID,
		UserID:      userID,
		PlanKind:    models.PlanKindPaid,
		BucketID:    bucketID,
		AmountMinor: plan.AmountMinor,
		Currency:    plan.Currency,
		Metadata:    datatypes.JSON(metadata),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return "", fmt.Errorf("payment: persist intent: %w", errCreate)
	}
	return intentID, nil
}

// OnProviderConfirmation applies a confirmed charge exactly once. A repeated
// confirmation for a processed intent succeeds without side effects. A crash
// between activation and the processed flag is recovered by matching the
// subscription's recorded intent ID instead of claiming a second credential.
func (s *Service) OnProviderConfirmation(ctx context.Context, intentID string, payerID uint64) error {
	if s == nil {
		return errors.New("payment: service not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return errors.New("payment: intent id is required")
	}

	var intent models.PaymentIntent
	if errFind := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		First(&intent).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrIntentNotFound
		}
		return errFind
	}

	if errValidate := s.validatePendingCharge(&intent, payerID); errValidate != nil {
		return errValidate
	}
	if intent.Processed {
		log.Infof("payment: duplicate confirmation absorbed (intent=%s user=%d)", intentID, intent.UserID)
		return nil
	}

	if activated, errCheck := s.alreadyActivated(ctx, &intent); errCheck != nil {
		return errCheck
	} else if activated {
		return s.markProcessed(ctx, intent.ID)
	}

	plan, ok := s.catalog.Lookup(intent.BucketID)
	if !ok {
		return ErrUnknownPlan
	}

	_, errActivate := s.lifecycle.Activate(ctx, intent.UserID, models.PlanKindPaid, intent.BucketID, plan.Duration, intentID)
	if errActivate != nil {
		if errors.Is(errActivate, pool.ErrExhausted) {
			// Money has already moved; escalate rather than refund.
			s.send(ctx, notify.Message{UserID: intent.UserID, Kind: notify.KindNoInventory})
			s.alert(ctx, notify.Alert{
				Event:    notify.EventPaymentWithoutInventory,
				BucketID: intent.BucketID,
				UserID:   intent.UserID,
				IntentID: intentID,
			})
		}
		return errActivate
	}

	return s.markProcessed(ctx, intent.ID)
}

// OnProviderRejection records a declined charge.
func (s *Service) OnProviderRejection(ctx context.Context, intentID string) error {
	if s == nil {
		return errors.New("payment: service not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var intent models.PaymentIntent
	if errFind := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		First(&intent).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrIntentNotFound
		}
		return errFind
	}
	if intent.Processed || intent.RejectedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.PaymentIntent{}).
		Where("id = ? AND processed = ?", intent.ID, false).
		Update("rejected_at", now).Error; errUpdate != nil {
		return errUpdate
	}

	s.send(ctx, notify.Message{UserID: intent.UserID, Kind: notify.KindPaymentRejected})
	return nil
}

// validatePendingCharge rejects confirmations whose payer does not match the
// intent's owner. A zero payer ID means the provider did not echo one back.
func (s *Service) validatePendingCharge(intent *models.PaymentIntent, payerID uint64) error {
	if payerID != 0 && payerID != intent.UserID {
		return fmt.Errorf("%w: intent=%s owner=%d payer=%d", ErrPayerMismatch, intent.IntentID, intent.UserID, payerID)
	}
	return nil
}

// alreadyActivated reports whether a previous confirmation attempt already
// applied this intent before crashing short of the processed flag.
func (s *Service) alreadyActivated(ctx context.Context, intent *models.PaymentIntent) (bool, error) {
	var sub models.Subscription
	errFind := s.db.WithContext(ctx).
		Where("user_id = ?", intent.UserID).
		First(&sub).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if errFind != nil {
		return false, errFind
	}
	return sub.Status == models.SubscriptionStatusActive &&
		sub.CredentialID != nil &&
		sub.LastIntentID == intent.IntentID, nil
}

func (s *Service) markProcessed(ctx context.Context, rowID uint64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.PaymentIntent{}).
		Where("id = ? AND processed = ?", rowID, false).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": now,
		}).Error
}

func (s *Service) send(ctx context.Context, msg notify.Message) {
	if errSend := s.dispatcher.Send(ctx, msg); errSend != nil {
		log.WithError(errSend).Warnf("payment: notify failed (user=%d kind=%s)", msg.UserID, msg.Kind)
	}
}

func (s *Service) alert(ctx context.Context, alert notify.Alert) {
	if errAlert := s.dispatcher.Alert(ctx, alert); errAlert != nil {
		log.WithError(errAlert).Warnf("payment: operator alert failed (event=%s intent=%s)", alert.Event, alert.IntentID)
	}
}
