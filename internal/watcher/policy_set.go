package watcher

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/throttlekit/throttled/internal/ratelimit"
)

// Policy sources, lowest precedence first.
const (
	SourceConfig   = "config"
	SourceFile     = "file"
	SourceDatabase = "database"
	SourceRuntime  = "runtime"
)

var defaultSourceOrder = []string{SourceConfig, SourceFile, SourceDatabase, SourceRuntime}

// PolicySet merges policies from several sources and publishes the union to a registry.
// A policy name defined by more than one source resolves to the highest-precedence source.
type PolicySet struct {
	mu       sync.Mutex
	registry *ratelimit.Registry
	order    []string
	layers   map[string]map[string]ratelimit.Policy
}

// NewPolicySet constructs a PolicySet publishing to registry. order lists sources from
// lowest to highest precedence; empty uses config, file, database, runtime.
func NewPolicySet(registry *ratelimit.Registry, order ...string) *PolicySet {
	if len(order) == 0 {
		order = defaultSourceOrder
	}
	return &PolicySet{
		registry: registry,
		order:    append([]string(nil), order...),
		layers:   make(map[string]map[string]ratelimit.Policy, len(order)),
	}
}

// Set replaces every policy of a source and republishes. On a validation error the
// registry keeps its previous contents.
func (s *PolicySet) Set(source string, policies []ratelimit.Policy) error {
	layer := make(map[string]ratelimit.Policy, len(policies))
	for _, p := range policies {
		if errValidate := p.Validate(); errValidate != nil {
			return fmt.Errorf("policy set %s: %w", source, errValidate)
		}
		p.Name = strings.TrimSpace(p.Name)
		layer[p.Name] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.layers[source]
	s.layers[source] = layer
	if errPublish := s.publishLocked(); errPublish != nil {
		if had {
			s.layers[source] = prev
		} else {
			delete(s.layers, source)
		}
		return errPublish
	}
	return nil
}

// Upsert adds or replaces one policy of a source.
func (s *PolicySet) Upsert(source string, p ratelimit.Policy) error {
	if errValidate := p.Validate(); errValidate != nil {
		return errValidate
	}
	p.Name = strings.TrimSpace(p.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	layer := s.layers[source]
	if layer == nil {
		layer = make(map[string]ratelimit.Policy)
		s.layers[source] = layer
	}
	prev, had := layer[p.Name]
	layer[p.Name] = p
	if errPublish := s.publishLocked(); errPublish != nil {
		if had {
			layer[p.Name] = prev
		} else {
			delete(layer, p.Name)
		}
		return errPublish
	}
	return nil
}

// Remove drops one policy of a source and reports whether it was present.
func (s *PolicySet) Remove(source, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	layer := s.layers[source]
	name = strings.TrimSpace(name)
	p, ok := layer[name]
	if !ok {
		return false, nil
	}
	delete(layer, name)
	if errPublish := s.publishLocked(); errPublish != nil {
		layer[name] = p
		return false, errPublish
	}
	return true, nil
}

// Sources reports which source currently provides each published policy name.
func (s *PolicySet) Sources() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, source := range s.sourcesLocked() {
		for name := range s.layers[source] {
			out[name] = source
		}
	}
	return out
}

func (s *PolicySet) sourcesLocked() []string {
	sources := append([]string(nil), s.order...)
	var extra []string
	for source := range s.layers {
		known := false
		for _, o := range s.order {
			if o == source {
				known = true
				break
			}
		}
		if !known {
			extra = append(extra, source)
		}
	}
	sort.Strings(extra)
	return append(sources, extra...)
}

func (s *PolicySet) publishLocked() error {
	merged := make(map[string]ratelimit.Policy)
	for _, source := range s.sourcesLocked() {
		for name, p := range s.layers[source] {
			merged[name] = p
		}
	}
	policies := make([]ratelimit.Policy, 0, len(merged))
	for _, p := range merged {
		policies = append(policies, p)
	}
	return s.registry.Replace(policies)
}
