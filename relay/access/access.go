// Package access evaluates priority-ranked allow/deny rules for publishes.
//
// Rules live in a single JSON file that is watched for changes and
// hot-reloaded; the in-memory rule list is swapped atomically so readers
// never see a partial update. The default policy with no matching rule
// is allow.
package access

import (
	"encoding/json"
	"io/fs"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relay.dev/relay/subject"
)

// Rule actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Rule matches a (sender, destination) pair. Higher priority wins; the
// first matching rule in priority order decides.
type Rule struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
}

// Decision is the outcome of a rule evaluation.
type Decision struct {
	Allowed     bool
	MatchedRule *Rule
}

// Manager owns the access rule list and its persistence.
type Manager struct {
	path string

	mu    sync.RWMutex
	rules []Rule // kept sorted by priority descending

	log zerolog.Logger
}

// Load reads the rules file (which may not exist yet).
func Load(path string) (*Manager, error) {
	mgr := &Manager{
		path: path,
		log:  log.With().Str("component", "access").Logger(),
	}
	if err := mgr.Reload(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// Reload re-reads the rules file and swaps the in-memory list.
func (mgr *Manager) Reload() error {
	data, err := os.ReadFile(mgr.path)
	if errors.Is(err, fs.ErrNotExist) {
		mgr.setRules(nil)
		return nil
	} else if err != nil {
		return errors.Wrap(err, "read access rules")
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return errors.Wrap(err, "parse access rules")
	}
	mgr.setRules(rules)
	mgr.log.Debug().Int("count", len(rules)).Msg("access rules loaded")
	return nil
}

func (mgr *Manager) setRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	mgr.mu.Lock()
	mgr.rules = rules
	mgr.mu.Unlock()
}

// Check evaluates the rules for a sender publishing to a subject.
// The first rule whose from-pattern matches the sender and whose
// to-pattern matches the destination decides; no match means allow.
func (mgr *Manager) Check(from, to string) Decision {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	for i := range mgr.rules {
		r := &mgr.rules[i]
		if subject.Matches(r.From, from) && subject.Matches(r.To, to) {
			rule := *r
			return Decision{Allowed: r.Action == ActionAllow, MatchedRule: &rule}
		}
	}
	return Decision{Allowed: true}
}

// Add appends a rule and persists the list. A rule with the same
// (from, to) pair replaces the existing one.
func (mgr *Manager) Add(rule Rule) error {
	if err := subject.ValidatePattern(rule.From); err != nil {
		return err
	}
	if err := subject.ValidatePattern(rule.To); err != nil {
		return err
	}
	if rule.Action != ActionAllow && rule.Action != ActionDeny {
		return errors.Newf("invalid rule action %q", rule.Action)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.rules = slices.DeleteFunc(mgr.rules, func(r Rule) bool {
		return r.From == rule.From && r.To == rule.To
	})
	mgr.rules = append(mgr.rules, rule)
	sort.SliceStable(mgr.rules, func(i, j int) bool { return mgr.rules[i].Priority > mgr.rules[j].Priority })
	return mgr.persistLocked()
}

// Remove deletes the rule with the given (from, to) pair and persists.
// Reports whether a rule was removed.
func (mgr *Manager) Remove(from, to string) (bool, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	before := len(mgr.rules)
	mgr.rules = slices.DeleteFunc(mgr.rules, func(r Rule) bool {
		return r.From == from && r.To == to
	})
	if len(mgr.rules) == before {
		return false, nil
	}
	return true, mgr.persistLocked()
}

// List returns a copy of the rules, sorted by priority descending.
func (mgr *Manager) List() []Rule {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return slices.Clone(mgr.rules)
}

// Path returns the rules file being watched.
func (mgr *Manager) Path() string { return mgr.path }

func (mgr *Manager) persistLocked() error {
	data, err := json.MarshalIndent(mgr.rules, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode access rules")
	}
	return errors.Wrap(renameio.WriteFile(mgr.path, data, 0644), "write access rules")
}
