package reqflags

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xregistry/ociwrap/core"
)

// Sort orders a collection by a dotted attribute path.
type Sort struct {
	Attr string
	Desc bool
}

// parseSort decodes "attr" or "attr=asc|desc".
func parseSort(v string) (*Sort, error) {
	attr, dir, hasDir := strings.Cut(v, "=")
	if attr == "" {
		return nil, fmt.Errorf("%w: empty sort attribute", core.ErrInvalidInput)
	}
	s := &Sort{Attr: attr}
	if hasDir {
		switch dir {
		case "asc":
		case "desc":
			s.Desc = true
		default:
			return nil, fmt.Errorf("%w: invalid sort direction %q", core.ErrInvalidInput, dir)
		}
	}
	return s, nil
}

// Order sorts names stably by the sort attribute of their documents.
// Missing documents or attributes order last in either direction.
func (s *Sort) Order(names []string, doc func(name string) *core.Doc) {
	sort.SliceStable(names, func(i, j int) bool {
		a, aok := s.value(doc(names[i]))
		b, bok := s.value(doc(names[j]))
		switch {
		case !aok && !bok:
			return false
		case !aok:
			return false
		case !bok:
			return true
		}
		less, eq := compareValues(a, b)
		if eq {
			return false
		}
		if s.Desc {
			return !less
		}
		return less
	})
}

func (s *Sort) value(d *core.Doc) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.Lookup(s.Attr)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// compareValues orders two attribute values: numbers before strings,
// numbers numerically, everything else as caseless strings.
func compareValues(a, b any) (less, eq bool) {
	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	switch {
	case aNum && bNum:
		return an < bn, an == bn
	case aNum:
		return true, false
	case bNum:
		return false, false
	}
	as := strings.ToLower(asString(a))
	bs := strings.ToLower(asString(b))
	return as < bs, as == bs
}
