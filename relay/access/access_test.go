package access

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func loadTestManager(c *qt.C) *Manager {
	mgr, err := Load(filepath.Join(c.TempDir(), "access-rules.json"))
	c.Assert(err, qt.IsNil)
	return mgr
}

func TestDefaultAllow(t *testing.T) {
	c := qt.New(t)
	mgr := loadTestManager(c)

	d := mgr.Check("relay.anyone", "relay.anywhere")
	c.Assert(d.Allowed, qt.IsTrue)
	c.Assert(d.MatchedRule, qt.IsNil)
}

func TestPriorityOrder(t *testing.T) {
	c := qt.New(t)
	mgr := loadTestManager(c)

	c.Assert(mgr.Add(Rule{From: ">", To: "relay.agent.>", Action: ActionDeny, Priority: 10}), qt.IsNil)
	c.Assert(mgr.Add(Rule{From: "relay.trusted", To: "relay.agent.>", Action: ActionAllow, Priority: 100}), qt.IsNil)

	// The higher-priority allow wins for the trusted sender.
	d := mgr.Check("relay.trusted", "relay.agent.backend")
	c.Assert(d.Allowed, qt.IsTrue)
	c.Assert(d.MatchedRule.Priority, qt.Equals, 100)

	// Everyone else falls through to the deny.
	d = mgr.Check("relay.attacker", "relay.agent.backend")
	c.Assert(d.Allowed, qt.IsFalse)
	c.Assert(d.MatchedRule.Priority, qt.Equals, 10)

	// Subjects outside the denied pattern stay allowed.
	d = mgr.Check("relay.attacker", "relay.public")
	c.Assert(d.Allowed, qt.IsTrue)
}

func TestAddReplacesSamePair(t *testing.T) {
	c := qt.New(t)
	mgr := loadTestManager(c)

	c.Assert(mgr.Add(Rule{From: "relay.a", To: "relay.b", Action: ActionDeny, Priority: 1}), qt.IsNil)
	c.Assert(mgr.Add(Rule{From: "relay.a", To: "relay.b", Action: ActionAllow, Priority: 2}), qt.IsNil)

	rules := mgr.List()
	c.Assert(rules, qt.HasLen, 1)
	c.Assert(rules[0].Action, qt.Equals, ActionAllow)
}

func TestAddValidation(t *testing.T) {
	c := qt.New(t)
	mgr := loadTestManager(c)

	c.Assert(mgr.Add(Rule{From: "bad..pattern", To: ">", Action: ActionDeny}), qt.IsNotNil)
	c.Assert(mgr.Add(Rule{From: ">", To: ">", Action: "reject"}), qt.IsNotNil)
}

func TestRemove(t *testing.T) {
	c := qt.New(t)
	mgr := loadTestManager(c)

	c.Assert(mgr.Add(Rule{From: "relay.a", To: "relay.b", Action: ActionDeny, Priority: 1}), qt.IsNil)

	removed, err := mgr.Remove("relay.a", "relay.b")
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.IsTrue)

	removed, err = mgr.Remove("relay.a", "relay.b")
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.IsFalse)
}

func TestListSortedByPriority(t *testing.T) {
	c := qt.New(t)
	mgr := loadTestManager(c)

	c.Assert(mgr.Add(Rule{From: "relay.a", To: ">", Action: ActionDeny, Priority: 1}), qt.IsNil)
	c.Assert(mgr.Add(Rule{From: "relay.b", To: ">", Action: ActionDeny, Priority: 50}), qt.IsNil)
	c.Assert(mgr.Add(Rule{From: "relay.c", To: ">", Action: ActionDeny, Priority: 10}), qt.IsNil)

	rules := mgr.List()
	c.Assert(rules, qt.HasLen, 3)
	c.Assert(rules[0].Priority, qt.Equals, 50)
	c.Assert(rules[1].Priority, qt.Equals, 10)
	c.Assert(rules[2].Priority, qt.Equals, 1)
}

func TestPersistAndReload(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "access-rules.json")

	mgr, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(mgr.Add(Rule{From: "relay.a", To: "relay.b", Action: ActionDeny, Priority: 5}), qt.IsNil)

	// A second manager over the same file sees the rule.
	mgr2, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(mgr2.List(), qt.DeepEquals, mgr.List())

	// An external edit is picked up by Reload.
	c.Assert(os.WriteFile(path, []byte(`[{"from":"relay.x","to":"relay.y","action":"deny","priority":9}]`), 0644), qt.IsNil)
	c.Assert(mgr.Reload(), qt.IsNil)
	rules := mgr.List()
	c.Assert(rules, qt.HasLen, 1)
	c.Assert(rules[0].From, qt.Equals, "relay.x")
}
