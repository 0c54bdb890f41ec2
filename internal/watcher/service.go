package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/throttlekit/throttled/internal/policystore"
)

// PolicyService applies operator edits to the writable policy layer. With a database the
// writable layer is the policy table and every write is followed by a forced poller
// refresh; without one edits go to the runtime layer and last until restart.
type PolicyService struct {
	set    *PolicySet
	store  *policystore.Store
	poller *DBPoller
}

// NewPolicyService constructs a PolicyService. store and poller may be nil.
func NewPolicyService(set *PolicySet, store *policystore.Store, poller *DBPoller) *PolicyService {
	return &PolicyService{set: set, store: store, poller: poller}
}

// Persistent reports whether edits are stored in the database.
func (s *PolicyService) Persistent() bool {
	return s.store != nil
}

// Sources reports which source provides each published policy.
func (s *PolicyService) Sources() map[string]string {
	return s.set.Sources()
}

// List returns the persisted policies, or the published ones when no database is configured.
func (s *PolicyService) List(ctx context.Context, filter policystore.Filter) ([]policystore.Record, error) {
	if s.store != nil {
		return s.store.List(ctx, filter)
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	out := make([]policystore.Record, 0)
	for _, p := range s.set.registry.List() {
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) {
			continue
		}
		if filter.LabelKey != "" {
			continue
		}
		out = append(out, policystore.Record{Policy: p, Enabled: true})
	}
	return out, nil
}

// Get returns one policy by name.
func (s *PolicyService) Get(ctx context.Context, name string) (policystore.Record, error) {
	if s.store != nil {
		return s.store.Get(ctx, name)
	}
	for _, p := range s.set.registry.List() {
		if p.Name == name {
			return policystore.Record{Policy: p, Enabled: true}, nil
		}
	}
	return policystore.Record{}, policystore.ErrNotFound
}

// Save creates or replaces a policy. A disabled record is stored but not published.
func (s *PolicyService) Save(ctx context.Context, rec policystore.Record) error {
	if s.store == nil {
		if !rec.Enabled {
			if errValidate := rec.Policy.Validate(); errValidate != nil {
				return errValidate
			}
			_, errRemove := s.set.Remove(SourceRuntime, rec.Policy.Name)
			return errRemove
		}
		return s.set.Upsert(SourceRuntime, rec.Policy)
	}
	if errSave := s.store.Save(ctx, rec); errSave != nil {
		return errSave
	}
	return s.refresh(ctx)
}

// Delete removes a policy and reports whether it existed.
func (s *PolicyService) Delete(ctx context.Context, name string) (bool, error) {
	if s.store == nil {
		return s.set.Remove(SourceRuntime, name)
	}
	deleted, errDelete := s.store.Delete(ctx, name)
	if errDelete != nil || !deleted {
		return deleted, errDelete
	}
	return true, s.refresh(ctx)
}

func (s *PolicyService) refresh(ctx context.Context) error {
	if s.poller == nil {
		return nil
	}
	if _, errRefresh := s.poller.Refresh(ctx, true); errRefresh != nil {
		return fmt.Errorf("policy service: publish: %w", errRefresh)
	}
	return nil
}

// IsNotFound reports whether err means the policy does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, policystore.ErrNotFound)
}
