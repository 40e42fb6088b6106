// Package catalog holds the known model descriptors.
//
// A Catalog publishes immutable snapshots: readers always see either the old
// or the new model set, never a mix, and a turn that resolved its descriptor
// keeps using it after a reload.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/user/gopherchat/pkg/llm"
)

// Catalog is safe for concurrent use.
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

// Snapshot is one published model set. Treat it as read-only.
type Snapshot struct {
	models []llm.ModelDescriptor
	byKey  map[string]int
}

// New creates a catalog containing the built-in models plus extra.
func New(extra ...llm.ModelDescriptor) *Catalog {
	c := &Catalog{}
	c.Reload(extra)
	return c
}

// Reload atomically replaces the catalog with the built-ins merged with
// extra. An extra descriptor with the same provider and ID overrides the
// built-in one.
func (c *Catalog) Reload(extra []llm.ModelDescriptor) {
	c.current.Store(newSnapshot(append(Builtin(), extra...)))
}

// Snapshot returns the currently published model set.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Lookup resolves a model by "provider:id" or by bare id.
func (c *Catalog) Lookup(name string) (llm.ModelDescriptor, bool) {
	return c.Snapshot().Lookup(name)
}

// MustResolve resolves name or returns llm.NoModel with an error describing why.
func (c *Catalog) MustResolve(name string) (llm.ModelDescriptor, error) {
	if name == "" {
		return llm.NoModel, fmt.Errorf("no model configured")
	}
	d, ok := c.Lookup(name)
	if !ok {
		return llm.NoModel, fmt.Errorf("unknown model %q", name)
	}
	return d, nil
}

// Models returns all descriptors in the current snapshot.
func (c *Catalog) Models() []llm.ModelDescriptor {
	return c.Snapshot().Models()
}

// Key returns the canonical lookup key for d.
func Key(d llm.ModelDescriptor) string {
	return string(d.Provider) + ":" + d.ID
}

func newSnapshot(models []llm.ModelDescriptor) *Snapshot {
	s := &Snapshot{byKey: make(map[string]int, len(models))}
	for _, m := range models {
		if m.IsNone() || m.ID == "" {
			continue
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		if i, ok := s.byKey[Key(m)]; ok {
			s.models[i] = m
			continue
		}
		s.byKey[Key(m)] = len(s.models)
		s.models = append(s.models, m)
	}
	return s
}

// Lookup resolves a model within this snapshot.
func (s *Snapshot) Lookup(name string) (llm.ModelDescriptor, bool) {
	if i, ok := s.byKey[name]; ok {
		return s.models[i], true
	}
	if strings.Contains(name, ":") {
		return llm.NoModel, false
	}
	for _, m := range s.models {
		if m.ID == name {
			return m, true
		}
	}
	return llm.NoModel, false
}

// Models returns a copy of the descriptors sorted by provider then ID.
func (s *Snapshot) Models() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, len(s.models))
	copy(out, s.models)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EstimateCost returns the USD cost of usage at d's per-1000-token rates.
func EstimateCost(d llm.ModelDescriptor, usage llm.Usage) float64 {
	sent := float64(usage.PromptTokens) / 1000.0 * d.Pricing.SentPer1K
	received := float64(usage.CompletionTokens) / 1000.0 * d.Pricing.ReceivedPer1K
	return sent + received
}
