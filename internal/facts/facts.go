package facts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TermKind discriminates the value sum carried in fact arguments.
type TermKind int

const (
	KindSym TermKind = iota
	KindStr
	KindInt
)

// Term is one argument of a fact: an interned symbol, a string, or an
// integer. Statuses, types, and capability names are symbols; ids and
// hostnames are strings.
type Term struct {
	Kind TermKind
	Sym  string
	Str  string
	Int  int64
}

func Sym(s string) Term { return Term{Kind: KindSym, Sym: s} }
func Str(s string) Term { return Term{Kind: KindStr, Str: s} }
func Int(i int64) Term  { return Term{Kind: KindInt, Int: i} }
func IntOf(i int) Term  { return Int(int64(i)) }

func (t Term) Equal(o Term) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindSym:
		return t.Sym == o.Sym
	case KindStr:
		return t.Str == o.Str
	default:
		return t.Int == o.Int
	}
}

func (t Term) String() string {
	switch t.Kind {
	case KindSym:
		return t.Sym
	case KindStr:
		return strconv.Quote(t.Str)
	default:
		return strconv.FormatInt(t.Int, 10)
	}
}

// Fact is a ground tuple (predicate, args). Facts form a set: two
// facts with the same key are the same fact.
type Fact struct {
	Predicate string
	Args      []Term
}

func New(predicate string, args ...Term) Fact {
	return Fact{Predicate: predicate, Args: args}
}

func (f Fact) Equal(o Fact) bool {
	if f.Predicate != o.Predicate || len(f.Args) != len(o.Args) {
		return false
	}
	for i := range f.Args {
		if !f.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Key is a canonical string encoding used for set membership.
func (f Fact) Key() string {
	var b strings.Builder
	b.WriteString(f.Predicate)
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(len(f.Args)))
	for _, a := range f.Args {
		b.WriteByte('|')
		switch a.Kind {
		case KindSym:
			b.WriteByte('s')
			b.WriteString(a.Sym)
		case KindStr:
			b.WriteByte('q')
			b.WriteString(a.Str)
		default:
			b.WriteByte('i')
			b.WriteString(strconv.FormatInt(a.Int, 10))
		}
	}
	return b.String()
}

func (f Fact) String() string {
	parts := make([]string, len(f.Args))
	for i, a := range f.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", f.Predicate, strings.Join(parts, ", "))
}

// Set is a fact set keyed by canonical encoding.
type Set map[string]Fact

func NewSet(fs ...Fact) Set {
	s := make(Set, len(fs))
	for _, f := range fs {
		s.Add(f)
	}
	return s
}

func (s Set) Add(f Fact)    { s[f.Key()] = f }
func (s Set) Remove(f Fact) { delete(s, f.Key()) }

func (s Set) Contains(f Fact) bool {
	_, ok := s[f.Key()]
	return ok
}

// Slice returns the members ordered by key for deterministic output.
func (s Set) Slice() []Fact {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Fact, 0, len(keys))
	for _, k := range keys {
		out = append(out, s[k])
	}
	return out
}

// Diff returns (desired − current, current − desired) as the facts to
// assert and to retract to drive current to desired.
func Diff(current, desired Set) (toAssert, toRetract []Fact) {
	for k, f := range desired {
		if _, ok := current[k]; !ok {
			toAssert = append(toAssert, f)
		}
	}
	for k, f := range current {
		if _, ok := desired[k]; !ok {
			toRetract = append(toRetract, f)
		}
	}
	sort.Slice(toAssert, func(i, j int) bool { return toAssert[i].Key() < toAssert[j].Key() })
	sort.Slice(toRetract, func(i, j int) bool { return toRetract[i].Key() < toRetract[j].Key() })
	return toAssert, toRetract
}
