package httpapi

import (
	"fmt"
	"strings"

	"github.com/xregistry/ociwrap/core"
)

// entityClass selects the shape requirements for the schema flag.
type entityClass int

const (
	classRegistry entityClass = iota
	classGroup
	classResource
	classVersion
	classMeta
)

var requiredAttrs = map[entityClass][]string{
	classRegistry: {"specversion", "registryid", "xid", "self", "epoch", "createdat", "modifiedat"},
	classGroup:    {"containerregistryid", "xid", "self", "epoch", "createdat", "modifiedat"},
	classResource: {"imageid", "versionid", "isdefault", "xid", "self", "epoch", "createdat", "modifiedat"},
	classVersion:  {"versionid", "isdefault", "xid", "self", "epoch", "createdat", "modifiedat"},
	classMeta:     {"xid", "self", "epoch", "createdat", "modifiedat", "readonly"},
}

// validateShape checks the document against the entity's required
// attributes, honoring the schema flag.
func validateShape(class entityClass, doc *core.Doc) error {
	var missing []string
	for _, attr := range requiredAttrs[class] {
		if !doc.Has(attr) {
			missing = append(missing, attr)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: document is missing %s",
			core.ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}
