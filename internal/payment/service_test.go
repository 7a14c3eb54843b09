package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/ovpnhub/accessd/internal/config"
	"github.com/ovpnhub/accessd/internal/db"
	"github.com/ovpnhub/accessd/internal/lifecycle"
	"github.com/ovpnhub/accessd/internal/locker"
	"github.com/ovpnhub/accessd/internal/models"
	"github.com/ovpnhub/accessd/internal/notify"
	"github.com/ovpnhub/accessd/internal/pool"
)

const testCatalogYAML = `
plans:
  - bucket: region_3d
    kind: trial
    duration: 72h
  - bucket: region_1m
    kind: paid
    duration: 720h
    amount_minor: 19900
    currency: RUB
`

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	nextID  string
	nextErr error
}

func (f *fakeProvider) CreateCharge(_ context.Context, _ ChargeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.nextErr != nil {
		return "", f.nextErr
	}
	if f.nextID == "" {
		return fmt.Sprintf("intent-%d", f.calls), nil
	}
	return f.nextID, nil
}

type recorderDispatcher struct {
	mu     sync.Mutex
	msgs   []notify.Message
	alerts []notify.Alert
}

func (r *recorderDispatcher) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorderDispatcher) Alert(_ context.Context, alert notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeProvider, *recorderDispatcher) {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:payment_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	catalog, errCatalog := config.ParsePlanCatalog([]byte(testCatalogYAML))
	if errCatalog != nil {
		t.Fatalf("parse catalog: %v", errCatalog)
	}

	dispatcher := &recorderDispatcher{}
	manager := lifecycle.NewManager(conn, pool.NewAllocator(conn), dispatcher, locker.NewMemory())
	provider := &fakeProvider{}
	service := NewService(conn, provider, manager, dispatcher, catalog)
	if service == nil {
		t.Fatalf("service construction failed")
	}
	return service, conn, provider, dispatcher
}

func seedUser(t *testing.T, conn *gorm.DB, id uint64) {
	t.Helper()
	row := models.User{UserID: id, FirstName: fmt.Sprintf("user-%d", id)}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed user %d: %v", id, errCreate)
	}
}

func seedPaidBucket(t *testing.T, conn *gorm.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		row := models.Credential{
			BucketID: "region_1m",
			Value:    fmt.Sprintf("https://s3.amazonaws.com/outline-vpn/invite.html#ss://paid-%d", i),
		}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			t.Fatalf("seed credential: %v", errCreate)
		}
	}
}

func TestCreateIntentRecordsPendingCharge(t *testing.T) {
	service, conn, provider, _ := newTestService(t)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if provider.calls != 1 {
		t.Fatalf("expected one provider call, got %d", provider.calls)
	}

	var row models.PaymentIntent
	if errFind := conn.Where("intent_id = ?", intentID).First(&row).Error; errFind != nil {
		t.Fatalf("load intent: %v", errFind)
	}
	if row.UserID != 42 || row.BucketID != "region_1m" || row.Processed {
		t.Fatalf("unexpected intent row: %+v", row)
	}
	if row.AmountMinor != 19900 || row.Currency != "RUB" {
		t.Fatalf("expected catalog terms on intent, got %+v", row)
	}
}

func TestCreateIntentRejectsTrialBucket(t *testing.T) {
	service, _, provider, _ := newTestService(t)

	if _, errCreate := service.CreateIntent(context.Background(), 42, "region_3d"); errCreate == nil {
		t.Fatalf("expected error for trial bucket")
	}
	if provider.calls != 0 {
		t.Fatalf("expected no provider call, got %d", provider.calls)
	}
}

func TestConfirmationActivatesAndMarksProcessed(t *testing.T) {
	service, conn, _, dispatcher := newTestService(t)
	seedUser(t, conn, 42)
	seedPaidBucket(t, conn, 1)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 42); errConfirm != nil {
		t.Fatalf("confirm: %v", errConfirm)
	}

	var intent models.PaymentIntent
	if errFind := conn.Where("intent_id = ?", intentID).First(&intent).Error; errFind != nil {
		t.Fatalf("load intent: %v", errFind)
	}
	if !intent.Processed || intent.ProcessedAt == nil {
		t.Fatalf("expected processed intent, got %+v", intent)
	}

	var sub models.Subscription
	if errFind := conn.Where("user_id = ?", 42).First(&sub).Error; errFind != nil {
		t.Fatalf("load subscription: %v", errFind)
	}
	if sub.Status != models.SubscriptionStatusActive || sub.LastIntentID != intentID {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if len(dispatcher.msgs) != 1 || dispatcher.msgs[0].Kind != notify.KindCredentialIssued {
		t.Fatalf("expected credential_issued, got %+v", dispatcher.msgs)
	}
}

// A provider retry after success must not claim a second credential.
func TestDuplicateConfirmationClaimsOnce(t *testing.T) {
	service, conn, _, _ := newTestService(t)
	seedUser(t, conn, 42)
	seedPaidBucket(t, conn, 2)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 42); errConfirm != nil {
		t.Fatalf("first confirm: %v", errConfirm)
	}
	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 42); errConfirm != nil {
		t.Fatalf("duplicate confirm: %v", errConfirm)
	}

	var claimed int64
	if errCount := conn.Model(&models.Credential{}).Where("claimed = ?", true).Count(&claimed).Error; errCount != nil {
		t.Fatalf("count claimed: %v", errCount)
	}
	if claimed != 1 {
		t.Fatalf("expected exactly 1 claimed credential, got %d", claimed)
	}
}

// A crash between activation and the processed flag leaves the subscription
// carrying the intent ID; the retried confirmation recovers without a second
// claim.
func TestConfirmationRecoversFromCrashBeforeProcessedFlag(t *testing.T) {
	service, conn, _, _ := newTestService(t)
	seedUser(t, conn, 42)
	seedPaidBucket(t, conn, 2)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 42); errConfirm != nil {
		t.Fatalf("confirm: %v", errConfirm)
	}
	// Simulate the crash: activation persisted, processed flag lost.
	if errReset := conn.Model(&models.PaymentIntent{}).
		Where("intent_id = ?", intentID).
		Updates(map[string]any{"processed": false, "processed_at": nil}).Error; errReset != nil {
		t.Fatalf("reset processed flag: %v", errReset)
	}

	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 42); errConfirm != nil {
		t.Fatalf("retry confirm: %v", errConfirm)
	}

	var claimed int64
	if errCount := conn.Model(&models.Credential{}).Where("claimed = ?", true).Count(&claimed).Error; errCount != nil {
		t.Fatalf("count claimed: %v", errCount)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 claimed credential after recovery, got %d", claimed)
	}

	var intent models.PaymentIntent
	if errFind := conn.Where("intent_id = ?", intentID).First(&intent).Error; errFind != nil {
		t.Fatalf("load intent: %v", errFind)
	}
	if !intent.Processed {
		t.Fatalf("expected intent re-marked processed")
	}
}

func TestConfirmationPayerMismatch(t *testing.T) {
	service, conn, _, _ := newTestService(t)
	seedPaidBucket(t, conn, 1)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 99); !errors.Is(errConfirm, ErrPayerMismatch) {
		t.Fatalf("expected ErrPayerMismatch, got %v", errConfirm)
	}

	var intent models.PaymentIntent
	if errFind := conn.Where("intent_id = ?", intentID).First(&intent).Error; errFind != nil {
		t.Fatalf("load intent: %v", errFind)
	}
	if intent.Processed {
		t.Fatalf("mismatched confirmation must not process the intent")
	}
}

func TestConfirmationUnknownIntent(t *testing.T) {
	service, _, _, _ := newTestService(t)
	if errConfirm := service.OnProviderConfirmation(context.Background(), "intent-missing", 42); !errors.Is(errConfirm, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", errConfirm)
	}
}

// When money moved but the bucket is empty, the intent stays unprocessed and
// the operator is alerted instead of the provider being refused forever.
func TestConfirmationWithoutInventoryAlertsOperator(t *testing.T) {
	service, conn, _, dispatcher := newTestService(t)
	seedUser(t, conn, 42)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if errConfirm := service.OnProviderConfirmation(context.Background(), intentID, 42); !errors.Is(errConfirm, pool.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", errConfirm)
	}

	var intent models.PaymentIntent
	if errFind := conn.Where("intent_id = ?", intentID).First(&intent).Error; errFind != nil {
		t.Fatalf("load intent: %v", errFind)
	}
	if intent.Processed {
		t.Fatalf("intent must stay unprocessed so restocking can retry it")
	}

	if len(dispatcher.msgs) != 1 || dispatcher.msgs[0].Kind != notify.KindNoInventory {
		t.Fatalf("expected no_inventory message, got %+v", dispatcher.msgs)
	}
	if len(dispatcher.alerts) != 1 || dispatcher.alerts[0].Event != notify.EventPaymentWithoutInventory {
		t.Fatalf("expected payment_without_inventory alert, got %+v", dispatcher.alerts)
	}
	if dispatcher.alerts[0].IntentID != intentID || dispatcher.alerts[0].BucketID != "region_1m" {
		t.Fatalf("alert missing context: %+v", dispatcher.alerts[0])
	}

	// Restock and retry: the held confirmation now completes.
	seedPaidBucket(t, conn, 1)
	if errRetry := service.OnProviderConfirmation(context.Background(), intentID, 42); errRetry != nil {
		t.Fatalf("retry after restock: %v", errRetry)
	}
}

func TestRejectionMarksIntentAndNotifies(t *testing.T) {
	service, conn, _, dispatcher := newTestService(t)

	intentID, errCreate := service.CreateIntent(context.Background(), 42, "region_1m")
	if errCreate != nil {
		t.Fatalf("create intent: %v", errCreate)
	}
	if errReject := service.OnProviderRejection(context.Background(), intentID); errReject != nil {
		t.Fatalf("reject: %v", errReject)
	}

	var intent models.PaymentIntent
	if errFind := conn.Where("intent_id = ?", intentID).First(&intent).Error; errFind != nil {
		t.Fatalf("load intent: %v", errFind)
	}
	if intent.RejectedAt == nil || intent.Processed {
		t.Fatalf("expected rejected unprocessed intent, got %+v", intent)
	}
	if len(dispatcher.msgs) != 1 || dispatcher.msgs[0].Kind != notify.KindPaymentRejected {
		t.Fatalf("expected payment_rejected message, got %+v", dispatcher.msgs)
	}

	// Repeated rejection callbacks are absorbed.
	if errReject := service.OnProviderRejection(context.Background(), intentID); errReject != nil {
		t.Fatalf("duplicate reject: %v", errReject)
	}
	if len(dispatcher.msgs) != 1 {
		t.Fatalf("expected single rejection message, got %d", len(dispatcher.msgs))
	}
}
