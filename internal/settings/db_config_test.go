package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ovpnhub/accessd/internal/db"
	"github.com/ovpnhub/accessd/internal/models"
)

func resetSnapshot() {
	StoreDBConfig(time.Time{}, nil)
}

func TestDBConfigIntAcceptsMixedEncodings(t *testing.T) {
	defer resetSnapshot()
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		"numeric": json.RawMessage(`120`),
		"float":   json.RawMessage(`120.4`),
		"quoted":  json.RawMessage(`"120"`),
		"junk":    json.RawMessage(`"soon"`),
	})

	for _, key := range []string{"numeric", "float", "quoted"} {
		got, ok := DBConfigInt(key)
		if !ok || got != 120 {
			t.Fatalf("%s: expected 120, got %d ok=%v", key, got, ok)
		}
	}
	if _, ok := DBConfigInt("junk"); ok {
		t.Fatalf("expected junk value to fail parsing")
	}
	if _, ok := DBConfigInt("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestDBConfigString(t *testing.T) {
	defer resetSnapshot()
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		OperatorDestinationKey: json.RawMessage(`" ops-channel "`),
	})

	got, ok := DBConfigString(OperatorDestinationKey)
	if !ok || got != "ops-channel" {
		t.Fatalf("expected trimmed ops-channel, got %q ok=%v", got, ok)
	}
}

func TestRefreshDBConfigSnapshot(t *testing.T) {
	defer resetSnapshot()
	conn, errOpen := db.Open(fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	row := models.Setting{Key: SweepIntervalSecondsKey, Value: json.RawMessage(`60`)}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create setting: %v", errCreate)
	}

	if errRefresh := RefreshDBConfigSnapshot(context.Background(), conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	got, ok := DBConfigInt(SweepIntervalSecondsKey)
	if !ok || got != 60 {
		t.Fatalf("expected 60, got %d ok=%v", got, ok)
	}
	if DBConfigUpdatedAt().IsZero() {
		t.Fatalf("expected updated_at to be set")
	}
}
