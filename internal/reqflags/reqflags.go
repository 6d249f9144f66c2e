// Package reqflags parses the xRegistry query flags and applies them to
// collection responses. Filtering, sorting and pagination happen here;
// document-shaping flags (inline, doc, noepoch, ...) are exposed as
// accessors for the handler layer.
package reqflags

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xregistry/ociwrap/core"
)

const (
	filterCacheSize = 500
	filterCacheTTL  = 5 * time.Minute
)

// Inline records which nested collections a response should embed.
type Inline struct {
	All   bool
	paths map[string]bool
}

// Has reports whether the named collection should be inlined.
func (i Inline) Has(name string) bool {
	return i.All || i.paths[name]
}

// inlinable is the closed set of paths inline accepts. "endpoints" is
// recognized for compatibility with multi-group registries but resolves to
// nothing here.
var inlinable = map[string]bool{
	"versions":  true,
	"meta":      true,
	"model":     true,
	"endpoints": true,
}

// Flags holds the parsed query flags of a single request.
type Flags struct {
	Filter        *Filter
	Sort          *Sort
	Inline        Inline
	Doc           bool
	Collections   *bool
	Epoch         *uint64
	Schema        bool
	NoEpoch       bool
	NoReadonly    bool
	NoSpecVersion bool
	Limit         int
	Offset        int
}

// Parser turns query values into Flags. Compiled filter expressions are
// cached; a Parser is safe for concurrent use and meant to be shared.
type Parser struct {
	filters *expirable.LRU[string, *Filter]
}

func NewParser() *Parser {
	return &Parser{
		filters: expirable.NewLRU[string, *Filter](filterCacheSize, nil, filterCacheTTL),
	}
}

// Parse validates and decodes the recognized query flags. Unrecognized
// parameters are ignored. Errors wrap core.ErrInvalidInput.
func (p *Parser) Parse(q url.Values) (*Flags, error) {
	fl := &Flags{}

	if raw := q["filter"]; len(raw) > 0 {
		f, err := p.compile(raw)
		if err != nil {
			return nil, err
		}
		fl.Filter = f
	}

	if q.Has("sort") {
		s, err := parseSort(q.Get("sort"))
		if err != nil {
			return nil, err
		}
		fl.Sort = s
	}

	if q.Has("inline") {
		inl, err := parseInline(q["inline"])
		if err != nil {
			return nil, err
		}
		fl.Inline = inl
	}

	if q.Has("doc") {
		v, err := parseBool("doc", q.Get("doc"))
		if err != nil {
			return nil, err
		}
		fl.Doc = v
	}

	if q.Has("collections") {
		v, err := parseBool("collections", q.Get("collections"))
		if err != nil {
			return nil, err
		}
		fl.Collections = &v
	}

	if q.Has("epoch") {
		n, err := strconv.ParseUint(q.Get("epoch"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid epoch %q", core.ErrInvalidInput, q.Get("epoch"))
		}
		fl.Epoch = &n
	}

	if q.Has("schema") {
		v, err := parseBool("schema", q.Get("schema"))
		if err != nil {
			return nil, err
		}
		fl.Schema = v
	}

	if q.Has("noepoch") {
		v, err := parseBool("noepoch", q.Get("noepoch"))
		if err != nil {
			return nil, err
		}
		fl.NoEpoch = v
	}

	if q.Has("noreadonly") {
		v, err := parseBool("noreadonly", q.Get("noreadonly"))
		if err != nil {
			return nil, err
		}
		fl.NoReadonly = v
	}

	if q.Has("specversion") {
		switch v := q.Get("specversion"); v {
		case "false":
			fl.NoSpecVersion = true
		case core.SpecVersion:
		default:
			return nil, fmt.Errorf("%w: unsupported specversion %q", core.ErrInvalidInput, v)
		}
	}

	if q.Has("limit") {
		n, err := strconv.Atoi(q.Get("limit"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid limit %q", core.ErrInvalidInput, q.Get("limit"))
		}
		fl.Limit = n
	}

	if q.Has("offset") {
		n, err := strconv.Atoi(q.Get("offset"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid offset %q", core.ErrInvalidInput, q.Get("offset"))
		}
		fl.Offset = n
	}

	return fl, nil
}

// compile parses the filter occurrences, consulting the expression cache.
func (p *Parser) compile(raw []string) (*Filter, error) {
	key := strings.Join(raw, "\x00")
	if f, ok := p.filters.Get(key); ok {
		return f, nil
	}
	f, err := CompileFilter(raw)
	if err != nil {
		return nil, err
	}
	p.filters.Add(key, f)
	return f, nil
}

func parseInline(raw []string) (Inline, error) {
	inl := Inline{paths: make(map[string]bool)}
	for _, occ := range raw {
		if occ == "" {
			inl.All = true
			continue
		}
		for _, path := range strings.Split(occ, ",") {
			if path == "*" {
				inl.All = true
				continue
			}
			if !inlinable[path] {
				return Inline{}, fmt.Errorf("%w: unknown inline path %q", core.ErrInvalidInput, path)
			}
			inl.paths[path] = true
		}
	}
	return inl, nil
}

func parseBool(name, v string) (bool, error) {
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s value %q", core.ErrInvalidInput, name, v)
	}
	return b, nil
}

// CheckEpoch enforces the epoch precondition against the entity's epoch.
func (fl *Flags) CheckEpoch(current uint64) error {
	if fl.Epoch == nil || *fl.Epoch == current {
		return nil
	}
	return fmt.Errorf("%w: expected epoch %d, entity has %d",
		core.ErrEpochMismatch, *fl.Epoch, current)
}

// Window returns the [lo, hi) slice bounds for a collection of n items.
// Without a limit the window covers everything past the offset.
func (fl *Flags) Window(n int) (lo, hi int) {
	lo = fl.Offset
	if lo > n {
		lo = n
	}
	hi = n
	if fl.Limit > 0 && lo+fl.Limit < n {
		hi = lo + fl.Limit
	}
	return lo, hi
}
