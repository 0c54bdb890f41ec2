package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/throttlekit/throttled/internal/db"
	"github.com/throttlekit/throttled/internal/policystore"
	"github.com/throttlekit/throttled/internal/ratelimit"
)

func TestPolicySetPrecedence(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)

	if err := set.Set(SourceConfig, []ratelimit.Policy{
		{Name: "api", Limit: 1, Window: time.Second},
		{Name: "login", Limit: 5, Window: time.Minute},
	}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := set.Set(SourceDatabase, []ratelimit.Policy{{Name: "api", Limit: 100, Window: time.Second}}); err != nil {
		t.Fatalf("set database: %v", err)
	}

	api, err := registry.Resolve("api")
	if err != nil || api.Limit != 100 {
		t.Fatalf("expected database to override config, got %+v err=%v", api, err)
	}
	if sources := set.Sources(); sources["api"] != SourceDatabase || sources["login"] != SourceConfig {
		t.Fatalf("unexpected sources %v", sources)
	}

	if err = set.Set(SourceDatabase, nil); err != nil {
		t.Fatalf("clear database: %v", err)
	}
	api, _ = registry.Resolve("api")
	if api.Limit != 1 {
		t.Fatalf("expected config policy restored, got limit %d", api.Limit)
	}
}

func TestPolicySetRejectsInvalidAndKeepsRegistry(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)
	if err := set.Set(SourceFile, []ratelimit.Policy{{Name: "api", Limit: 1, Window: time.Second}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := set.Set(SourceFile, []ratelimit.Policy{{Name: "api", Limit: 0, Window: time.Second}}); err == nil {
		t.Fatalf("expected invalid policy rejected")
	}
	if p, err := registry.Resolve("api"); err != nil || p.Limit != 1 {
		t.Fatalf("expected previous policy kept, got %+v err=%v", p, err)
	}
}

func TestPolicySetRuntimeUpsertAndRemove(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)

	if err := set.Upsert(SourceRuntime, ratelimit.Policy{Name: "burst", Limit: 3, Window: time.Second}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := registry.Resolve("burst"); err != nil {
		t.Fatalf("expected runtime policy registered: %v", err)
	}
	removed, err := set.Remove(SourceRuntime, "burst")
	if err != nil || !removed {
		t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
	}
	if _, err = registry.Resolve("burst"); err == nil {
		t.Fatalf("expected runtime policy gone")
	}
	if removed, _ = set.Remove(SourceRuntime, "burst"); removed {
		t.Fatalf("expected second removal to report false")
	}
}

func TestPolicySetTrimsNames(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)
	if err := set.Set(SourceConfig, []ratelimit.Policy{{Name: "api ", Limit: 1, Window: time.Second}}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := set.Upsert(SourceRuntime, ratelimit.Policy{Name: " api", Limit: 8, Window: time.Second}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p, err := registry.Resolve("api"); err != nil || p.Limit != 8 {
		t.Fatalf("expected runtime override of the same name, got %+v err=%v", p, err)
	}
	if sources := set.Sources(); len(sources) != 1 || sources["api"] != SourceRuntime {
		t.Fatalf("expected a single api entry, got %v", sources)
	}
	if removed, err := set.Remove(SourceRuntime, "api  "); err != nil || !removed {
		t.Fatalf("expected removal by untrimmed name, got removed=%v err=%v", removed, err)
	}
	if p, _ := registry.Resolve("api"); p.Limit != 1 {
		t.Fatalf("expected config policy restored, got limit %d", p.Limit)
	}
}

func writePolicyFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
}

func TestFileWatcherReload(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writePolicyFile(t, path, "policies:\n  - name: api\n    limit: 5\n    window: 1s\n")

	w := NewFileWatcher(path, set)
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("expected initial load, got changed=%v err=%v", changed, err)
	}
	if changed, _ = w.Reload(); changed {
		t.Fatalf("expected unchanged contents to skip reload")
	}

	writePolicyFile(t, path, "policies:\n  - name: api\n    limit: [\n")
	if _, err = w.Reload(); err == nil {
		t.Fatalf("expected malformed file to fail")
	}
	if p, _ := registry.Resolve("api"); p.Limit != 5 {
		t.Fatalf("expected previous policies kept, got limit %d", p.Limit)
	}

	writePolicyFile(t, path, "policies:\n  - name: api\n    limit: 7\n    window: 1s\n")
	if changed, err = w.Reload(); err != nil || !changed {
		t.Fatalf("expected reload, got changed=%v err=%v", changed, err)
	}
	if p, _ := registry.Resolve("api"); p.Limit != 7 {
		t.Fatalf("expected updated limit 7, got %d", p.Limit)
	}
}

func TestFileWatcherPicksUpWrites(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writePolicyFile(t, path, "policies:\n  - name: api\n    limit: 5\n    window: 1s\n")

	w := NewFileWatcher(path, set)
	w.debounce = 10 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	writePolicyFile(t, path, "policies:\n  - name: api\n    limit: 9\n    window: 1s\n")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := registry.Resolve("api"); p.Limit == 9 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected watcher to reload the edited file")
}

func TestFileWatcherStartFailsOnMissingFile(t *testing.T) {
	w := NewFileWatcher(filepath.Join(t.TempDir(), "missing.yaml"), NewPolicySet(ratelimit.NewRegistry()))
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestDBPollerRefresh(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "poller.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	store := policystore.New(conn)
	registry := ratelimit.NewRegistry()
	poller := NewDBPoller(store, NewPolicySet(registry), time.Hour)
	ctx := context.Background()

	if changed, errRefresh := poller.Refresh(ctx, false); errRefresh != nil || !changed {
		t.Fatalf("expected first refresh to publish, got changed=%v err=%v", changed, errRefresh)
	}
	if changed, _ := poller.Refresh(ctx, false); changed {
		t.Fatalf("expected unchanged table to skip")
	}

	rec := policystore.Record{Policy: ratelimit.Policy{Name: "api", Limit: 3, Window: time.Second}, Enabled: true}
	if errSave := store.Save(ctx, rec); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if changed, errRefresh := poller.Refresh(ctx, false); errRefresh != nil || !changed {
		t.Fatalf("expected refresh after insert, got changed=%v err=%v", changed, errRefresh)
	}
	if p, errResolve := registry.Resolve("api"); errResolve != nil || p.Limit != 3 {
		t.Fatalf("expected api policy registered, got %+v err=%v", p, errResolve)
	}

	rec.Enabled = false
	if errSave := store.Save(ctx, rec); errSave != nil {
		t.Fatalf("disable: %v", errSave)
	}
	if _, errRefresh := poller.Refresh(ctx, false); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if _, errResolve := registry.Resolve("api"); errResolve == nil {
		t.Fatalf("expected disabled policy unregistered")
	}
}

func TestPolicyServiceRuntime(t *testing.T) {
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)
	if err := set.Set(SourceConfig, []ratelimit.Policy{{Name: "api", Limit: 1, Window: time.Second}}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	svc := NewPolicyService(set, nil, nil)
	ctx := context.Background()

	if svc.Persistent() {
		t.Fatalf("expected runtime service")
	}
	if err := svc.Save(ctx, policystore.Record{Policy: ratelimit.Policy{Name: "api", Limit: 9, Window: time.Second}, Enabled: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec, err := svc.Get(ctx, "api")
	if err != nil || rec.Policy.Limit != 9 {
		t.Fatalf("expected runtime override, got %+v err=%v", rec, err)
	}
	records, _ := svc.List(ctx, policystore.Filter{Query: "AP"})
	if len(records) != 1 || svc.Sources()["api"] != SourceRuntime {
		t.Fatalf("unexpected list %+v sources %v", records, svc.Sources())
	}

	if err = svc.Save(ctx, policystore.Record{Policy: ratelimit.Policy{Name: "api", Limit: 9, Window: time.Second}, Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if p, _ := registry.Resolve("api"); p.Limit != 1 {
		t.Fatalf("expected config policy after disabling override, got %d", p.Limit)
	}
	if deleted, _ := svc.Delete(ctx, "api"); deleted {
		t.Fatalf("expected config policy not deletable through runtime layer")
	}
	if _, err = svc.Get(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPolicyServicePersistent(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	store := policystore.New(conn)
	registry := ratelimit.NewRegistry()
	set := NewPolicySet(registry)
	svc := NewPolicyService(set, store, NewDBPoller(store, set, time.Hour))
	ctx := context.Background()

	if err = svc.Save(ctx, policystore.Record{Policy: ratelimit.Policy{Name: "api", Limit: 4, Window: time.Second}, Enabled: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if p, errResolve := registry.Resolve("api"); errResolve != nil || p.Limit != 4 {
		t.Fatalf("expected saved policy published, got %+v err=%v", p, errResolve)
	}
	deleted, err := svc.Delete(ctx, "api")
	if err != nil || !deleted {
		t.Fatalf("expected delete, got deleted=%v err=%v", deleted, err)
	}
	if _, err = registry.Resolve("api"); err == nil {
		t.Fatalf("expected deleted policy unpublished")
	}
}
