// Package rulestore is the authoritative in-memory rule catalog, with
// a full-snapshot JSON file as its durability layer.
package rulestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/model"
)

// Store is the mutex-guarded rule_id -> *Rule catalog. Every mutation
// rewrites the entire snapshot file before returning.
type Store struct {
	mu     sync.Mutex
	rules  map[string]*model.Rule
	path   string
	logger *slog.Logger
	bus    *events.Bus
	clock  model.Clock
}

// New loads path (if present) and returns a ready Store. A missing
// file is treated as an empty rule set; a present-but-unreadable or
// present-but-empty file is also treated as empty, with a warning
// logged for the former.
func New(path string, logger *slog.Logger, bus *events.Bus, clock model.Clock) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = model.SystemClock{}
	}
	s := &Store{
		rules:  make(map[string]*model.Rule),
		path:   path,
		logger: logger,
		bus:    bus,
		clock:  clock,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("rulestore: failed to read snapshot, starting empty", "path", s.path, "error", err)
			return
		}
		if werr := writeFileAtomic(s.path, []byte("{}"), 0o644); werr != nil {
			s.logger.Warn("rulestore: failed to create empty snapshot", "path", s.path, "error", werr)
		}
		return
	}
	if len(data) == 0 {
		return
	}

	var wire map[string]*model.Rule
	if err := json.Unmarshal(data, &wire); err != nil {
		s.logger.Warn("rulestore: failed to parse snapshot, starting empty", "path", s.path, "error", err)
		return
	}
	s.rules = wire
}

// Create inserts rule, initializing fresh per-condition and per-rule
// transition state, and persists. An existing id is overwritten
// wholesale.
func (s *Store) Create(rule model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule.ResetState(s.clock.Now())
	s.rules[rule.ID] = &rule
	return s.persistLocked("create", rule.ID)
}

// Update merges an incoming rule over the existing one by id: a
// Condition, Then or Else list that is nil in the incoming rule keeps
// the existing one. Transition state is reset as on create; if the id
// is absent, it behaves as Create.
func (s *Store) Update(rule model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rules[rule.ID]; ok {
		if rule.Condition == nil {
			rule.Condition = existing.Condition
		}
		if rule.Then == nil {
			rule.Then = existing.Then
		}
		if rule.Else == nil {
			rule.Else = existing.Else
		}
	}
	rule.ResetState(s.clock.Now())
	s.rules[rule.ID] = &rule
	return s.persistLocked("update", rule.ID)
}

// Delete removes id if present and persists; deleting a missing id is
// a no-op success.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return nil
	}
	delete(s.rules, id)
	return s.persistLocked("delete", id)
}

// Get returns a copy of the rule with the given id.
func (s *Store) Get(id string) (model.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return model.Rule{}, false
	}
	return *r, true
}

// List returns a snapshot of every rule, safe to serialize without
// further locking.
func (s *Store) List() []model.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	return out
}

// Snapshot runs fn against every rule under the store's mutex, letting
// the rule engine evaluate a consistent view while mutating
// engine-private condition/rule state in place. Per-reading transition
// state (_last_state, _state_since, _last_triggered_state) is not
// persisted by Snapshot; only Create/Update/Delete write a new
// snapshot to disk, matching the durability guarantee on the rule set
// itself rather than its transient evaluation state.
func (s *Store) Snapshot(fn func(rules map[string]*model.Rule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rules)
}

func (s *Store) persistLocked(op, ruleID string) error {
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		return fmt.Errorf("rulestore: marshal snapshot: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("rulestore: write snapshot: %w", err)
	}

	s.bus.Publish(events.Event{
		Source: events.SourceRuleStore,
		Kind:   events.KindRuleSaved,
		Data:   map[string]any{"rule_id": ruleID, "op": op},
	})
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, then renames it into place, so a crash mid-write never leaves
// a truncated snapshot.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".rulestore-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
