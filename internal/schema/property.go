// Package schema declares the property-descriptor layer: typecasts,
// access bits, slot/term layout, and the document-wide built-in
// properties every directory enforces.
package schema

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/meshvault/meshvault/pkg/errors"
)

// AccessBit is one permission bit a property descriptor may grant.
type AccessBit uint16

const (
	AccessCreate AccessBit = 1 << iota
	AccessWrite
	AccessRead
	AccessDelete
	AccessAuth
	AccessAuthor
	AccessSystem
	AccessLocal
	AccessRemote
	AccessPublic
)

// Has reports whether bits contains the given bit.
func (a AccessBit) Has(bits AccessBit) bool {
	return bits&a != 0
}

// StorageClass is how a property is represented in the index.
type StorageClass int

const (
	StoredOnly StorageClass = iota
	IndexedTerm
	IndexedSlot
	IndexedFullText
	BlobProperty
)

// Typecast is the closed variant of supported property value shapes.
type Typecast int

const (
	TypeString Typecast = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeEnum
	TypeList
	TypeDict
)

// Descriptor declares one property of a document class.
type Descriptor struct {
	Name         string
	Access       AccessBit
	Storage      StorageClass
	TermPrefix   string
	Slot         int
	HasSlot      bool
	Typecast     Typecast
	ListOf       Typecast
	EnumValues   []string
	Default      interface{}
	Localized    bool
	Boolean      bool
	Remote       bool // BLOB stored via internal/blobstore instead of a local sidecar
	Getter       func(doc map[string]interface{}) (interface{}, error)
	Setter       func(doc map[string]interface{}, value interface{}) (interface{}, error)
}

// AssertAccess raises Forbidden if bits does not include mode.
func (d *Descriptor) AssertAccess(mode AccessBit) error {
	if !d.Access.Has(mode) {
		return errors.New(errors.ErrCodeForbidden, fmt.Sprintf("property %q does not permit this access", d.Name)).
			WithComponent("schema").WithDetail("property", d.Name)
	}
	return nil
}

// Metadata is the full property table for one document class, with slot-0
// reserved for guid and uniqueness enforced across slots and term
// prefixes.
type Metadata struct {
	Name       string
	properties map[string]*Descriptor
	bySlot     map[int]*Descriptor
	order      []string
}

// NewMetadata builds a Metadata table for a document class from its
// property descriptors, validating slot-0 reservation and uniqueness.
func NewMetadata(name string, descriptors ...*Descriptor) (*Metadata, error) {
	m := &Metadata{
		Name:       name,
		properties: make(map[string]*Descriptor),
		bySlot:     make(map[int]*Descriptor),
	}

	guid := &Descriptor{
		Name:    "guid",
		Access:  AccessRead,
		Storage: IndexedSlot,
		Slot:    0,
		HasSlot: true,
		Typecast: TypeString,
	}
	if err := m.add(guid); err != nil {
		return nil, err
	}
	for _, d := range builtinProperties() {
		if err := m.add(d); err != nil {
			return nil, err
		}
	}

	for _, d := range descriptors {
		if d.HasSlot && d.Slot == 0 {
			return nil, errors.New(errors.ErrCodeInvalidProperty, "slot 0 is reserved for guid").
				WithComponent("schema").WithDetail("property", d.Name)
		}
		if d.HasSlot {
			switch d.Typecast {
			case TypeString, TypeInt, TypeFloat, TypeBool, TypeList:
			default:
				return nil, errors.New(errors.ErrCodeInvalidProperty,
					"sloted properties must be numeric, bool, string or a list thereof").
					WithComponent("schema").WithDetail("property", d.Name)
			}
		}
		if err := m.add(d); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// builtinProperties returns the document-wide properties every directory
// carries alongside guid: ctime/mtime (read-only timestamps the
// directory itself stamps), seqno (internal-only version counter), layer
// (lifecycle tags, "deleted" being the logical-delete marker) and author
// (guid -> {role, order, name} map), mirroring
// active_document.Document's ctime/mtime/seqno built-ins plus
// sugar_network.resources.volume.Resource's layer/author properties.
func builtinProperties() []*Descriptor {
	return []*Descriptor{
		{
			Name:     "ctime",
			Access:   AccessRead,
			Storage:  StoredOnly,
			Typecast: TypeFloat,
			Default:  float64(0),
		},
		{
			Name:     "mtime",
			Access:   AccessRead,
			Storage:  StoredOnly,
			Typecast: TypeFloat,
			Default:  float64(0),
		},
		{
			Name:     "seqno",
			Access:   0,
			Storage:  StoredOnly,
			Typecast: TypeInt,
			Default:  int64(0),
		},
		{
			Name:       "layer",
			Access:     AccessCreate | AccessWrite | AccessRead,
			Storage:    IndexedTerm,
			TermPrefix: "layer",
			Typecast:   TypeList,
			ListOf:     TypeString,
			Default:    []interface{}{"public"},
		},
		{
			Name:     "author",
			Access:   AccessRead,
			Storage:  StoredOnly,
			Typecast: TypeDict,
			Default:  map[string]interface{}{},
		},
	}
}

func (m *Metadata) add(d *Descriptor) error {
	if _, exists := m.properties[d.Name]; exists {
		return errors.New(errors.ErrCodeInvalidProperty, fmt.Sprintf("duplicate property %q", d.Name)).
			WithComponent("schema")
	}
	if d.HasSlot {
		if _, exists := m.bySlot[d.Slot]; exists {
			return errors.New(errors.ErrCodeInvalidProperty, fmt.Sprintf("slot %d already used", d.Slot)).
				WithComponent("schema")
		}
		m.bySlot[d.Slot] = d
	}
	if d.TermPrefix != "" {
		for _, existing := range m.properties {
			if existing.TermPrefix == d.TermPrefix {
				return errors.New(errors.ErrCodeInvalidProperty,
					fmt.Sprintf("term prefix %q already used by %q", d.TermPrefix, existing.Name)).
					WithComponent("schema")
			}
		}
	}
	m.properties[d.Name] = d
	m.order = append(m.order, d.Name)
	return nil
}

// Get returns the descriptor for name, or nil.
func (m *Metadata) Get(name string) *Descriptor {
	return m.properties[name]
}

// Names returns property names in declaration order (guid first).
func (m *Metadata) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// BySlot returns the descriptor using the given slot, or nil.
func (m *Metadata) BySlot(slot int) *Descriptor {
	return m.bySlot[slot]
}

var guidRe = regexp.MustCompile(`^[A-Za-z0-9_+.-]+$`)

// ValidateGUID reports whether guid matches the legal GUID character set.
func ValidateGUID(guid string) bool {
	return guid != "" && guidRe.MatchString(guid)
}

// NewGUID generates a collision-resistant random GUID for documents
// created without a caller-supplied one.
func NewGUID() string {
	return uuid.New().String()
}
