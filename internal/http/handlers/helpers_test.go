package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ovpnhub/accessd/internal/config"
	"github.com/ovpnhub/accessd/internal/db"
	"github.com/ovpnhub/accessd/internal/lifecycle"
	"github.com/ovpnhub/accessd/internal/locker"
	"github.com/ovpnhub/accessd/internal/models"
	"github.com/ovpnhub/accessd/internal/notify"
	"github.com/ovpnhub/accessd/internal/payment"
	"github.com/ovpnhub/accessd/internal/pool"
)

const handlerCatalogYAML = `
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

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeProvider) CreateCharge(_ context.Context, _ payment.ChargeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return fmt.Sprintf("intent-%d", f.calls), nil
}

// testStack wires the full handler dependency graph over an in-memory store.
type testStack struct {
	conn       *gorm.DB
	alloc      *pool.Allocator
	manager    *lifecycle.Manager
	payments   *payment.Service
	dispatcher *recorderDispatcher
	provider   *fakeProvider
	catalog    *config.PlanCatalog
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := db.Open(fmt.Sprintf("file:handlers_%d?mode=memory&cache=shared", time.Now().UnixNano()))
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

	catalog, errCatalog := config.ParsePlanCatalog([]byte(handlerCatalogYAML))
	if errCatalog != nil {
		t.Fatalf("parse catalog: %v", errCatalog)
	}

	dispatcher := &recorderDispatcher{}
	provider := &fakeProvider{}
	alloc := pool.NewAllocator(conn)
	manager := lifecycle.NewManager(conn, alloc, dispatcher, locker.NewMemory())
	payments := payment.NewService(conn, provider, manager, dispatcher, catalog)
	if manager == nil || payments == nil {
		t.Fatalf("stack construction failed")
	}
	return &testStack{
		conn:       conn,
		alloc:      alloc,
		manager:    manager,
		payments:   payments,
		dispatcher: dispatcher,
		provider:   provider,
		catalog:    catalog,
	}
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func (s *testStack) seedUser(t *testing.T, id uint64) {
	t.Helper()
	row := models.User{UserID: id, FirstName: fmt.Sprintf("user-%d", id)}
	if errCreate := s.conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed user %d: %v", id, errCreate)
	}
}

func (s *testStack) seed(t *testing.T, bucketID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		row := models.Credential{
			BucketID: bucketID,
			Value:    fmt.Sprintf("https://s3.amazonaws.com/outline-vpn/invite.html#ss://%s-%d", bucketID, i),
		}
		if errCreate := s.conn.Create(&row).Error; errCreate != nil {
			t.Fatalf("seed credential: %v", errCreate)
		}
	}
}
