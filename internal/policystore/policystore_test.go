package policystore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/throttlekit/throttled/internal/db"
	"github.com/throttlekit/throttled/internal/ratelimit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "policies.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return New(conn)
}

func TestSaveUpsertsByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		Policy:  ratelimit.Policy{Name: "api", Limit: 10, Window: time.Second, Algorithm: "token"},
		Labels:  map[string]string{"team": "core"},
		Enabled: true,
	}
	if errSave := store.Save(ctx, rec); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	rec.Policy.Limit = 20
	rec.Policy.Burst = 40
	if errSave := store.Save(ctx, rec); errSave != nil {
		t.Fatalf("save again: %v", errSave)
	}

	records, errList := store.List(ctx, Filter{})
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(records))
	}
	got := records[0]
	if got.Policy.Limit != 20 || got.Policy.Burst != 40 {
		t.Fatalf("expected updated limit and burst, got %+v", got.Policy)
	}
	if got.Policy.Algorithm != ratelimit.AlgorithmTokenBucket {
		t.Fatalf("expected normalized algorithm, got %q", got.Policy.Algorithm)
	}
	if got.Policy.Window != time.Second {
		t.Fatalf("expected window 1s, got %s", got.Policy.Window)
	}
	if got.Labels["team"] != "core" || !got.Enabled {
		t.Fatalf("unexpected metadata %+v", got)
	}
}

func TestSaveRejectsInvalidPolicy(t *testing.T) {
	store := newTestStore(t)
	errSave := store.Save(context.Background(), Record{Policy: ratelimit.Policy{Name: "bad", Limit: 0, Window: time.Second}})
	if !errors.Is(errSave, ratelimit.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", errSave)
	}
	errSave = store.Save(context.Background(), Record{Policy: ratelimit.Policy{Name: "tiny", Limit: 1, Window: time.Microsecond}})
	if !errors.Is(errSave, ratelimit.ErrInvalidPolicy) {
		t.Fatalf("expected sub-millisecond window rejected, got %v", errSave)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed := []Record{
		{Policy: ratelimit.Policy{Name: "API-chat", Limit: 1, Window: time.Second}, Labels: map[string]string{"team": "core"}, Enabled: true},
		{Policy: ratelimit.Policy{Name: "api-embed", Limit: 1, Window: time.Second}, Labels: map[string]string{"team": "search"}, Enabled: false},
		{Policy: ratelimit.Policy{Name: "login", Limit: 1, Period: ratelimit.PeriodDaily}, Labels: map[string]string{"team": "core"}, Enabled: true},
	}
	for _, rec := range seed {
		if errSave := store.Save(ctx, rec); errSave != nil {
			t.Fatalf("save %q: %v", rec.Policy.Name, errSave)
		}
	}

	byName, errList := store.List(ctx, Filter{Query: "api"})
	if errList != nil {
		t.Fatalf("list by name: %v", errList)
	}
	if len(byName) != 2 {
		t.Fatalf("expected case-insensitive match on 2 rows, got %d", len(byName))
	}

	byLabel, errList := store.List(ctx, Filter{LabelKey: "team", LabelValue: "core"})
	if errList != nil {
		t.Fatalf("list by label: %v", errList)
	}
	if len(byLabel) != 2 || byLabel[0].Policy.Name != "API-chat" || byLabel[1].Policy.Name != "login" {
		t.Fatalf("unexpected label matches %+v", byLabel)
	}

	if _, errList = store.List(ctx, Filter{LabelKey: "team') OR 1=1 --"}); errList == nil {
		t.Fatalf("expected invalid label key rejected")
	}

	enabled, errLoad := store.LoadEnabled(ctx)
	if errLoad != nil {
		t.Fatalf("load enabled: %v", errLoad)
	}
	if len(enabled) != 2 {
		t.Fatalf("expected 2 enabled policies, got %d", len(enabled))
	}
	if enabled[1].Period != ratelimit.PeriodDaily {
		t.Fatalf("expected daily period kept, got %q", enabled[1].Period)
	}
}

func TestGetAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if errSave := store.Save(ctx, Record{Policy: ratelimit.Policy{Name: "api", Limit: 1, Window: time.Minute}, Enabled: true}); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}

	rec, errGet := store.Get(ctx, "api")
	if errGet != nil || rec.Policy.Window != time.Minute {
		t.Fatalf("expected stored policy, got %+v err=%v", rec, errGet)
	}
	deleted, errDelete := store.Delete(ctx, "api")
	if errDelete != nil || !deleted {
		t.Fatalf("expected delete, got deleted=%v err=%v", deleted, errDelete)
	}
	deleted, errDelete = store.Delete(ctx, "api")
	if errDelete != nil || deleted {
		t.Fatalf("expected second delete to report false, got deleted=%v err=%v", deleted, errDelete)
	}
	if _, errGet = store.Get(ctx, "api"); !errors.Is(errGet, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", errGet)
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	empty, errFP := store.Fingerprint(ctx)
	if errFP != nil {
		t.Fatalf("fingerprint: %v", errFP)
	}
	if empty.HasLatest || empty.Count != 0 {
		t.Fatalf("expected empty fingerprint, got %+v", empty)
	}

	if errSave := store.Save(ctx, Record{Policy: ratelimit.Policy{Name: "a", Limit: 1, Window: time.Second}, Enabled: true}); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	first, _ := store.Fingerprint(ctx)
	if first.Equal(empty) {
		t.Fatalf("expected fingerprint to change after insert")
	}
	again, _ := store.Fingerprint(ctx)
	if !again.Equal(first) {
		t.Fatalf("expected stable fingerprint without writes")
	}

	if _, errDelete := store.Delete(ctx, "a"); errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	after, _ := store.Fingerprint(ctx)
	if after.Equal(first) {
		t.Fatalf("expected fingerprint to change after delete")
	}
}
