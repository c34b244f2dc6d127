package datalog

import (
	"errors"
	"testing"

	"github.com/example/flock/internal/facts"
)

func mustParse(t *testing.T, src string) ([]facts.Fact, []Rule) {
	t.Helper()
	fs, rules, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return fs, rules
}

func newDB(t *testing.T, src string, base ...facts.Fact) *Database {
	t.Helper()
	fs, rules := mustParse(t, src)
	db := NewDatabase()
	db.AssertAll(fs)
	db.AssertAll(base)
	if err := db.LoadRules(rules); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	return db
}

func TestParseFactsAndRules(t *testing.T) {
	src := `
% facts are ground bodiless clauses
node("n1", "host-1", available).
node_heartbeat("n1", -5).

# rules have a body
fresh(N) :- node(N, _, available).
`
	fs, rules := mustParse(t, src)
	if len(fs) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(fs))
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	set := facts.NewSet(fs...)
	if !set.Contains(facts.New("node", facts.Str("n1"), facts.Str("host-1"), facts.Sym("available"))) {
		t.Fatalf("missing node fact: %v", fs)
	}
	if !set.Contains(facts.New("node_heartbeat", facts.Str("n1"), facts.Int(-5))) {
		t.Fatalf("negative integer argument not parsed: %v", fs)
	}
	if rules[0].Head.Predicate != "fresh" {
		t.Fatalf("rule head = %s", rules[0].Head.Predicate)
	}
}

func TestParseRejectsUnboundHeadVariable(t *testing.T) {
	_, _, err := Parse(`bad(N, M) :- node(N, _, _).`)
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected syntax error, got %v", err)
	}
}

func TestParseRejectsUnboundNegationVariable(t *testing.T) {
	_, _, err := Parse(`lonely(N) :- node(N, _, _), not placed(W).`)
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected syntax error for unbound negated variable, got %v", err)
	}
}

func TestParseRejectsUnboundComparisonVariable(t *testing.T) {
	_, _, err := Parse(`big(N) :- node(N, _, _), X > 10.`)
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected syntax error for unbound comparison variable, got %v", err)
	}
}

func TestDeriveSimpleJoin(t *testing.T) {
	db := newDB(t, `
node("n1", "h1", available).
node("n2", "h2", unavailable).
workload_placement("w1", "n1").
workload_placement("w2", "n2").

healthy_placement(W, N) :- workload_placement(W, N), node(N, _, available).
`)
	got := db.Query(NewPattern("healthy_placement", AnyArg(), AnyArg()))
	if len(got) != 1 {
		t.Fatalf("expected 1 derivation, got %d: %v", len(got), got)
	}
	want := facts.New("healthy_placement", facts.Str("w1"), facts.Str("n1"))
	if !got[0].Equal(want) {
		t.Fatalf("got %s, want %s", got[0], want)
	}
}

func TestNegationAsFailure(t *testing.T) {
	db := newDB(t, `
workload("w1", process, running).
workload("w2", process, running).
workload_placement("w1", "n1").

orphaned(W) :- workload(W, _, _), not workload_placement(W, _).
`)
	got := db.Query(NewPattern("orphaned", AnyArg()))
	if len(got) != 1 || got[0].Args[0].Str != "w2" {
		t.Fatalf("expected orphaned(\"w2\"), got %v", got)
	}
}

func TestArithmeticAndComparison(t *testing.T) {
	db := newDB(t, `
node_resources("n1", 8, 16384).
node_resources_used("n1", 6, 4096).
node_resources("n2", 8, 16384).
node_resources_used("n2", 2, 4096).

cpu_pressed(N) :- node_resources(N, Total, _), node_resources_used(N, Used, _), Total > 0, 100 * Used / Total >= 75.
`)
	got := db.Query(NewPattern("cpu_pressed", AnyArg()))
	if len(got) != 1 || got[0].Args[0].Str != "n1" {
		t.Fatalf("expected cpu_pressed(\"n1\"), got %v", got)
	}
}

func TestDivisionByZeroFailsTheLiteral(t *testing.T) {
	db := newDB(t, `
node_resources("n0", 0, 0).
node_resources_used("n0", 1, 1).

pressed(N) :- node_resources(N, Total, _), node_resources_used(N, Used, _), 100 * Used / Total >= 75.
`)
	if got := db.Query(NewPattern("pressed", AnyArg())); len(got) != 0 {
		t.Fatalf("division by zero must not derive, got %v", got)
	}
}

func TestRecursionTransitiveClosure(t *testing.T) {
	db := newDB(t, `
link("a", "b").
link("b", "c").
link("c", "d").

reach(X, Y) :- link(X, Y).
reach(X, Z) :- reach(X, Y), link(Y, Z).
`)
	got := db.Query(NewPattern("reach", ValueArg(facts.Str("a")), AnyArg()))
	if len(got) != 3 {
		t.Fatalf("expected reach from a to b,c,d, got %v", got)
	}
}

func TestStratificationRejectsNegationThroughRecursion(t *testing.T) {
	_, rules := mustParse(t, `
p(X) :- q(X), not r(X).
r(X) :- q(X), not p(X).
`)
	db := NewDatabase()
	if err := db.LoadRules(rules); err == nil {
		t.Fatalf("expected stratification error")
	}
}

func TestRetractRemovesDerivations(t *testing.T) {
	db := newDB(t, `
node("n1", "h1", available).
up(N) :- node(N, _, available).
`)
	if got := db.Query(NewPattern("up", AnyArg())); len(got) != 1 {
		t.Fatalf("expected up(\"n1\"), got %v", got)
	}
	db.Retract(facts.New("node", facts.Str("n1"), facts.Str("h1"), facts.Sym("available")))
	db.Evaluate()
	if got := db.Query(NewPattern("up", AnyArg())); len(got) != 0 {
		t.Fatalf("derivation must disappear after retract, got %v", got)
	}
}

func TestQueryPatternFiltersByValue(t *testing.T) {
	db := newDB(t, `
workload("w1", process, running).
workload("w2", microvm, pending).
`)
	got := db.Query(NewPattern("workload", AnyArg(), AnyArg(), ValueArg(facts.Sym("pending"))))
	if len(got) != 1 || got[0].Args[0].Str != "w2" {
		t.Fatalf("expected the pending workload, got %v", got)
	}
}

func TestBaseFactsFilter(t *testing.T) {
	db := newDB(t, `
node("n1", "h1", available).
workload("w1", process, running).
`)
	set := db.BaseFacts(func(pred string) bool { return pred == "node" })
	if len(set) != 1 {
		t.Fatalf("expected only node facts, got %v", set)
	}
}

func TestDuplicateAssertIsNoOp(t *testing.T) {
	db := NewDatabase()
	f := facts.New("node", facts.Str("n1"), facts.Str("h1"), facts.Sym("available"))
	db.Assert(f)
	db.Assert(f)
	if got := db.Query(NewPattern("node", AnyArg(), AnyArg(), AnyArg())); len(got) != 1 {
		t.Fatalf("duplicate assert must not add a second fact, got %v", got)
	}
}
