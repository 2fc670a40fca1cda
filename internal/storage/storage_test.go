package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"alertbot/internal/alert"
	"alertbot/internal/upstream"
	logx "alertbot/pkg/logx"
)

func sampleDefs() []alert.Definition {
	return []alert.Definition{
		{ID: "a1", Type: "bits", Name: "Cheer", TextTemplate: "{user} cheered {bits}!", Duration: 5000,
			Colors: alert.Colors{Background: "#000", Text: "#fff"}, EffectsJSON: `{"confetti":true}`, Enabled: false},
		{ID: "a2", Type: "bits", Name: "Cheer 2", Duration: 3000, Enabled: true, IsDefault: true},
		{ID: "a3", Type: "follow", Name: "Follow", Enabled: true},
	}
}

func openDriver(t *testing.T, driver, name string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st, path
}

// exerciseStore checks behavior every driver shares.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if defs, err := st.AlertsForTenant(ctx, "nobody"); err != nil || len(defs) != 0 {
		t.Fatalf("unknown tenant alerts = %v, %v", defs, err)
	}
	if _, found, err := st.Credentials(ctx, "nobody"); err != nil || found {
		t.Fatalf("unknown tenant credentials found=%v err=%v", found, err)
	}

	if err := st.PutAlerts(ctx, "t1", sampleDefs()); err != nil {
		t.Fatalf("PutAlerts: %v", err)
	}
	got, err := st.AlertsForTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("AlertsForTenant: %v", err)
	}
	if !reflect.DeepEqual(got, sampleDefs()) {
		t.Fatalf("alerts round trip:\n got %+v\nwant %+v", got, sampleDefs())
	}

	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	creds := upstream.Credentials{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: exp,
		Extra: map[string]string{"transport": "wsfeed"}}
	if err := st.SaveCredentials(ctx, "t2", creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	c, found, err := st.Credentials(ctx, "t2")
	if err != nil || !found {
		t.Fatalf("Credentials found=%v err=%v", found, err)
	}
	if c.AccessToken != "tok" || c.RefreshToken != "ref" || !c.ExpiresAt.Equal(exp) || c.Get("transport") != "wsfeed" {
		t.Fatalf("credentials = %+v", c)
	}

	creds.AccessToken = "rotated"
	if err := st.SaveCredentials(ctx, "t2", creds); err != nil {
		t.Fatalf("SaveCredentials overwrite: %v", err)
	}
	if c, _, _ := st.Credentials(ctx, "t2"); c.AccessToken != "rotated" {
		t.Fatalf("overwrite not applied: %+v", c)
	}

	ids, err := st.Tenants(ctx)
	if err != nil || !reflect.DeepEqual(ids, []string{"t1", "t2"}) {
		t.Fatalf("Tenants = %v, %v", ids, err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{At: time.Now(), TenantID: "t1", Action: "connect", Outcome: "connected"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if n := len(st.(*Memory).Audit()); n != 1 {
		t.Fatalf("audit entries = %d", n)
	}

	// Returned slices and maps are copies.
	ctx := context.Background()
	defs, _ := st.AlertsForTenant(ctx, "t1")
	defs[0].Name = "mutated"
	c, _, _ := st.Credentials(ctx, "t2")
	c.Extra["transport"] = "mutated"
	if again, _ := st.AlertsForTenant(ctx, "t1"); again[0].Name != "Cheer" {
		t.Fatalf("alerts aliased")
	}
	if again, _, _ := st.Credentials(ctx, "t2"); again.Get("transport") != "wsfeed" {
		t.Fatalf("credentials aliased")
	}

	_ = st.Close()
	if _, err := st.AlertsForTenant(ctx, "t1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close err = %v", err)
	}
}

func TestFileStorePersistsJSONAndYAML(t *testing.T) {
	for _, name := range []string{"store.json", "store.yaml"} {
		t.Run(name, func(t *testing.T) {
			st, path := openDriver(t, "file", name)
			exerciseStore(t, st)
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			audit, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".audit.jsonl")
			if err != nil || !strings.Contains(string(audit), `"action":"connect"`) {
				t.Fatalf("audit file = %q, %v", audit, err)
			}

			reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer reopened.Close()
			ctx := context.Background()
			if defs, _ := reopened.AlertsForTenant(ctx, "t1"); !reflect.DeepEqual(defs, sampleDefs()) {
				t.Fatalf("alerts after reopen = %+v", defs)
			}
			if c, found, _ := reopened.Credentials(ctx, "t2"); !found || c.AccessToken != "rotated" {
				t.Fatalf("credentials after reopen = %+v", c)
			}
		})
	}
}

func TestFileStoreReadsHandWrittenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yml")
	doc := `
tenants:
  acme:
    credentials:
      access_token: "123:abc"
      extra:
        transport: telegram
    alerts:
      - id: f1
        type: follow
        name: Follow
        text_template: "{user} followed"
        duration: 4000
        enabled: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	defs, err := st.AlertsForTenant(ctx, "acme")
	if err != nil || len(defs) != 1 || defs[0].TextTemplate != "{user} followed" || defs[0].Duration != 4000 {
		t.Fatalf("alerts = %+v, %v", defs, err)
	}
	c, found, _ := st.Credentials(ctx, "acme")
	if !found || c.AccessToken != "123:abc" || c.Get("transport") != "telegram" {
		t.Fatalf("credentials = %+v", c)
	}
}

func TestFileStoreRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"tenants":{"a":{"alertz":[]}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Driver: "file", Path: path}, logx.Nop()); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestSQLiteStore(t *testing.T) {
	st, path := openDriver(t, "sqlite", "alerts.db")
	exerciseStore(t, st)

	ctx := context.Background()
	if err := st.PutAlerts(ctx, "t1", sampleDefs()[2:]); err != nil {
		t.Fatalf("PutAlerts replace: %v", err)
	}
	if defs, _ := st.AlertsForTenant(ctx, "t1"); len(defs) != 1 || defs[0].ID != "a3" {
		t.Fatalf("replaced alerts = %+v", defs)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if c, found, _ := reopened.Credentials(ctx, "t2"); !found || c.AccessToken != "rotated" {
		t.Fatalf("credentials after reopen = %+v", c)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path accepted")
	}
}
