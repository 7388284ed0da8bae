package settings

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/prismhq/prism/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+filepath.Join(t.TempDir(), "prism-settings.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewStore(conn), conn
}

func TestStore_SetWritesThroughAndReloads(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, RateLimitKey, 12); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, RateLimitKey, 15); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got := s.Int(RateLimitKey, 0); got != 15 {
		t.Fatalf("expected 15, got %d", got)
	}

	fresh := NewStore(conn)
	if got := fresh.Int(RateLimitKey, -1); got != -1 {
		t.Fatalf("expected default before reload, got %d", got)
	}
	if err := fresh.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := fresh.Int(RateLimitKey, -1); got != 15 {
		t.Fatalf("expected persisted 15, got %d", got)
	}
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "  ", true); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if err := s.Set(ctx, EnableAuthKey, json.RawMessage(`{oops`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, ok := s.Value(EnableAuthKey); ok {
		t.Fatalf("expected rejected value not cached")
	}
}

func TestStore_AuthAndKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if s.AuthEnabled() != DefaultEnableAuth {
		t.Fatalf("expected default auth flag")
	}
	if err := s.Set(ctx, EnableAuthKey, json.RawMessage(`"yes"`)); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if !s.AuthEnabled() {
		t.Fatalf("expected truthy string to enable auth")
	}

	key, err := s.RefreshProxyAPIKey(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.HasPrefix(key, APIKeyPrefix) || s.ProxyAPIKey() != key {
		t.Fatalf("expected refreshed key %q, got %q", key, s.ProxyAPIKey())
	}
	next, _ := s.RefreshProxyAPIKey(ctx)
	if next == key {
		t.Fatalf("expected a new key on refresh")
	}
}

func TestParseHelpers(t *testing.T) {
	boolCases := map[string]struct{ value, ok bool }{
		`true`:    {true, true},
		`"off"`:   {false, true},
		`1`:       {true, true},
		`2`:       {false, false},
		`"maybe"`: {false, false},
	}
	for raw, want := range boolCases {
		got, ok := ParseBool(json.RawMessage(raw))
		if got != want.value || ok != want.ok {
			t.Fatalf("ParseBool(%s): expected %v/%v, got %v/%v", raw, want.value, want.ok, got, ok)
		}
	}

	intCases := map[string]struct {
		value int
		ok    bool
	}{
		`10`:     {10, true},
		`"7"`:    {7, true},
		`3.0`:    {3, true},
		`3.5`:    {0, false},
		`-1`:     {-1, false},
		`"abc"`:  {0, false},
		`"  4 "`: {4, true},
	}
	for raw, want := range intCases {
		got, ok := ParseNonNegativeInt(json.RawMessage(raw))
		if ok != want.ok || (ok && got != want.value) {
			t.Fatalf("ParseNonNegativeInt(%s): expected %d/%v, got %d/%v", raw, want.value, want.ok, got, ok)
		}
	}

	if s, ok := ParseString(json.RawMessage(`"  hi "`)); !ok || s != "hi" {
		t.Fatalf("expected trimmed string, got %q", s)
	}
	if _, ok := ParseString(json.RawMessage(`12`)); ok {
		t.Fatalf("expected non-string rejected")
	}
}
