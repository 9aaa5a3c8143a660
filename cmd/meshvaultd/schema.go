package main

import (
	"github.com/meshvault/meshvault/internal/schema"
)

// builtinDocuments is the node's fixed set of document classes. The
// original system derived these from a Python package's decorated
// classes at import time; Go has no such reflection-driven registry,
// so every deployment of this binary shares one hardcoded schema
// instead of loading one from YAML. A config-driven schema loader is
// an open question left for a future revision (see DESIGN.md).
func builtinDocuments() map[string]*schema.Metadata {
	docMeta, err := schema.NewMetadata("document",
		&schema.Descriptor{
			Name:       "title",
			Access:     schema.AccessCreate | schema.AccessWrite | schema.AccessRead,
			Storage:    schema.IndexedSlot,
			TermPrefix: "title",
			Slot:       1,
			HasSlot:    true,
			Typecast:   schema.TypeString,
		},
		&schema.Descriptor{
			Name:     "body",
			Access:   schema.AccessCreate | schema.AccessWrite | schema.AccessRead,
			Storage:  schema.StoredOnly,
			Typecast: schema.TypeString,
		},
		&schema.Descriptor{
			Name:    "attachment",
			Access:  schema.AccessCreate | schema.AccessWrite | schema.AccessRead,
			Storage: schema.BlobProperty,
			Remote:  true,
		},
	)
	if err != nil {
		panic("meshvaultd: builtin schema is invalid: " + err.Error())
	}
	return map[string]*schema.Metadata{"document": docMeta}
}
