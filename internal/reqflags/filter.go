package reqflags

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xregistry/ociwrap/core"
)

// Enrichment bounds for attribute filters that need a full document per
// candidate. Fetches beyond maxEnrich are skipped and the result marked
// truncated.
const (
	maxEnrich         = 20
	enrichConcurrency = 5
)

type clauseOp int

const (
	opEq clauseOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

func (o clauseOp) String() string {
	switch o {
	case opEq:
		return "="
	case opNe:
		return "!="
	case opLt:
		return "<"
	case opLe:
		return "<="
	case opGt:
		return ">"
	case opGe:
		return ">="
	}
	return "?"
}

// clause is one attr<op>value comparison.
type clause struct {
	attr  string
	op    clauseOp
	value string
	num   *float64
	glob  *regexp.Regexp
}

// Filter is a compiled filter expression: the union of its groups, each
// group the conjunction of its clauses.
type Filter struct {
	groups [][]clause
}

// CompileFilter parses the raw filter occurrences. Clauses within one
// occurrence are ANDed, occurrences are ORed.
func CompileFilter(raw []string) (*Filter, error) {
	f := &Filter{}
	for _, occ := range raw {
		if occ == "" {
			return nil, fmt.Errorf("%w: empty filter expression", core.ErrInvalidInput)
		}
		var group []clause
		for _, expr := range strings.Split(occ, ",") {
			c, err := parseClause(expr)
			if err != nil {
				return nil, err
			}
			group = append(group, c)
		}
		f.groups = append(f.groups, group)
	}
	return f, nil
}

func parseClause(expr string) (clause, error) {
	attr, op, value, err := splitClause(expr)
	if err != nil {
		return clause{}, err
	}
	c := clause{attr: attr, op: op, value: value}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		c.num = &n
	}
	if op == opEq || op == opNe {
		c.glob = compileGlob(value)
	}
	return c, nil
}

// splitClause finds the operator inside attr<op>value. Attribute names are
// dotted identifiers, so the first operator rune terminates the attribute.
func splitClause(expr string) (string, clauseOp, string, error) {
	for i := 0; i < len(expr); i++ {
		var op clauseOp
		var width int
		switch expr[i] {
		case '=':
			op, width = opEq, 1
		case '!':
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return "", 0, "", fmt.Errorf("%w: bad operator in filter clause %q", core.ErrInvalidInput, expr)
			}
			op, width = opNe, 2
		case '<':
			op, width = opLt, 1
			if i+1 < len(expr) && expr[i+1] == '=' {
				op, width = opLe, 2
			}
		case '>':
			op, width = opGt, 1
			if i+1 < len(expr) && expr[i+1] == '=' {
				op, width = opGe, 2
			}
		default:
			continue
		}
		attr := expr[:i]
		value := expr[i+width:]
		if attr == "" {
			return "", 0, "", fmt.Errorf("%w: filter clause %q has no attribute", core.ErrInvalidInput, expr)
		}
		return attr, op, value, nil
	}
	return "", 0, "", fmt.Errorf("%w: filter clause %q has no operator", core.ErrInvalidInput, expr)
}

// compileGlob turns a value with * wildcards into an anchored
// case-insensitive expression. Values without wildcards become exact
// caseless matches, keeping = and =* consistent.
func compileGlob(value string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?i)^`)
	for i, part := range strings.Split(value, "*") {
		if i > 0 {
			b.WriteString(`.*`)
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString(`$`)
	return regexp.MustCompile(b.String())
}

// HasNameClause reports whether any clause targets one of the given
// attributes. Filters without one yield the empty collection.
func (f *Filter) HasNameClause(attrs ...string) bool {
	for _, group := range f.groups {
		for _, c := range group {
			for _, a := range attrs {
				if c.attr == a {
					return true
				}
			}
		}
	}
	return false
}

// Match evaluates the filter against a fully materialized document.
func (f *Filter) Match(doc *core.Doc) bool {
	for _, group := range f.groups {
		if matchGroup(group, doc) {
			return true
		}
	}
	return false
}

func matchGroup(group []clause, doc *core.Doc) bool {
	for _, c := range group {
		v, ok := doc.Lookup(c.attr)
		if !c.match(v, ok) {
			return false
		}
	}
	return true
}

// Verdict is the phase-one outcome for one collection candidate.
type Verdict int

const (
	// Excluded: no group can match, regardless of document content.
	Excluded Verdict = iota
	// Matched: some group matches on name clauses alone.
	Matched
	// NeedsDoc: a group passes its name clauses but has attribute clauses
	// that require the document.
	NeedsDoc
)

// NameVerdict evaluates only the name clauses of each group against the
// candidate's name. nameAttrs lists the attributes that alias the name.
func (f *Filter) NameVerdict(name string, nameAttrs ...string) Verdict {
	isName := func(attr string) bool {
		for _, a := range nameAttrs {
			if attr == a {
				return true
			}
		}
		return false
	}

	verdict := Excluded
	for _, group := range f.groups {
		namePass := true
		hasOther := false
		for _, c := range group {
			if !isName(c.attr) {
				hasOther = true
				continue
			}
			if !c.match(name, true) {
				namePass = false
				break
			}
		}
		if !namePass {
			continue
		}
		if !hasOther {
			return Matched
		}
		verdict = NeedsDoc
	}
	return verdict
}

// Result is the outcome of a two-phase collection filter.
type Result struct {
	// Names holds the matching candidates in input order.
	Names []string
	// Docs holds the documents fetched during enrichment, reusable by the
	// response builder.
	Docs map[string]*core.Doc
	// Truncated is set when the enrichment cap cut candidates off.
	Truncated bool
}

// FetchDoc materializes the document for one candidate.
type FetchDoc func(ctx context.Context, name string) (*core.Doc, error)

// Apply runs the two-phase filter over the candidate names. Phase one
// resolves name clauses against the bare names; phase two fetches documents
// for the remaining candidates, bounded by maxEnrich, and evaluates the
// full expression. Candidates whose fetch fails are dropped; the caller's
// fetch function is responsible for logging. A nil filter matches all.
func (f *Filter) Apply(ctx context.Context, names []string, nameAttrs []string, fetch FetchDoc) (*Result, error) {
	res := &Result{Docs: make(map[string]*core.Doc)}
	if f == nil {
		res.Names = names
		return res, nil
	}
	if !f.HasNameClause(nameAttrs...) {
		return res, nil
	}

	type pending struct {
		pos  int
		name string
	}
	matched := make(map[int]bool)
	var enrich []pending
	for i, name := range names {
		switch f.NameVerdict(name, nameAttrs...) {
		case Matched:
			matched[i] = true
		case NeedsDoc:
			if len(enrich) == maxEnrich {
				res.Truncated = true
				continue
			}
			enrich = append(enrich, pending{pos: i, name: name})
		}
	}

	if len(enrich) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(enrichConcurrency)
		for _, p := range enrich {
			g.Go(func() error {
				doc, err := fetch(gctx, p.name)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				res.Docs[p.name] = doc
				if f.Match(doc) {
					matched[p.pos] = true
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for i, name := range names {
		if matched[i] {
			res.Names = append(res.Names, name)
		}
	}
	return res, nil
}

// match compares a document value against the clause. Missing attributes
// satisfy only !=.
func (c clause) match(v any, present bool) bool {
	if !present || v == nil {
		return c.op == opNe
	}

	if n, ok := asNumber(v); ok && c.num != nil {
		return compareOrdered(c.op, n, *c.num)
	}

	s := asString(v)
	switch c.op {
	case opEq:
		return c.glob.MatchString(s)
	case opNe:
		return !c.glob.MatchString(s)
	default:
		return compareOrdered(c.op, strings.ToLower(s), strings.ToLower(c.value))
	}
}

func compareOrdered[T float64 | string](op clauseOp, a, b T) bool {
	switch op {
	case opEq:
		return a == b
	case opNe:
		return a != b
	case opLt:
		return a < b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	case opGe:
		return a >= b
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}
