// Package index is the inverted term/slot index backing directory
// queries. It batches pending document mutations in memory and commits
// them to a bbolt database in a single transaction per flush, mirroring
// the original system's "accumulate then commit" write pattern without
// needing a dedicated full-text search engine.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"go.etcd.io/bbolt"

	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/pkg/errors"
)

var (
	docsBucket  = []byte("docs")
	termsBucket = []byte("terms")
)

// Document is one indexed record as returned by Find: its GUID plus its
// stored properties.
type Document struct {
	GUID       string
	Properties map[string]interface{}
}

// Query selects documents whose term properties are a superset of Terms.
// A Terms value that is a slice matches documents whose corresponding
// list property contains every element (subset-of semantics), following
// the original's composite-property term comparison.
//
// Prefix, Range and GroupBy cover the rest of the original's enquire()
// options: Prefix narrows a term-indexed property to values starting
// with a given string (the original's '*'-suffixed query tokens);
// Range keeps documents whose property falls within [min, max]
// inclusive; GroupBy collapses the result set to one document per
// distinct value of the named property, keeping the first one seen in
// result order, mirroring Xapian's set_collapse_key.
type Query struct {
	Terms   map[string]interface{}
	Prefix  map[string]string
	Range   map[string][2]interface{}
	GroupBy string
	OrderBy string
	Offset  int
	Limit   int
}

type pendingOp struct {
	properties map[string]interface{}
	deleted    bool
}

// Writer stages property mutations for one document class and flushes
// them to bbolt on Commit.
type Writer struct {
	db        *bbolt.DB
	name      string
	termProps map[string]*schema.Descriptor

	mu      sync.Mutex
	pending map[string]*pendingOp
}

// Open opens (creating if necessary) the bbolt database at path and
// returns a Writer for the given document class metadata.
func Open(path string, meta *schema.Metadata) (*Writer, error) {
	db, err := bbolt.Open(path, 0640, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIndexCorrupt, err, "cannot open index").WithComponent("index")
	}
	w := &Writer{
		db:        db,
		name:      meta.Name,
		termProps: make(map[string]*schema.Descriptor),
		pending:   make(map[string]*pendingOp),
	}
	for _, propName := range meta.Names() {
		d := meta.Get(propName)
		switch d.Storage {
		case schema.IndexedTerm, schema.IndexedSlot, schema.IndexedFullText:
			w.termProps[d.Name] = d
		}
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(termsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCodeIndexCorrupt, err, "cannot initialize index buckets").WithComponent("index")
	}
	return w, nil
}

// Close releases the underlying bbolt handle.
func (w *Writer) Close() error {
	return w.db.Close()
}

// TermProps returns the descriptors of every term/slot-indexed property
// in this writer's document class, for callers (index.NewCachedPage)
// that need to recompute term sets without duplicating the schema walk
// Open already did.
func (w *Writer) TermProps() map[string]*schema.Descriptor {
	return w.termProps
}

// Store stages an insert/update of guid's properties, merging with any
// prior stored value. Creation and update take the same path; the
// overlay (CachedPage) tracks which documents are new.
func (w *Writer) Store(guid string, properties map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	op := w.pending[guid]
	if op == nil || op.deleted {
		op = &pendingOp{properties: map[string]interface{}{}}
		w.pending[guid] = op
	}
	for k, v := range properties {
		op.properties[k] = v
	}
}

// Delete stages removal of guid.
func (w *Writer) Delete(guid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[guid] = &pendingOp{deleted: true}
}

// PendingCount reports how many documents have staged, uncommitted
// mutations.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Commit flushes every staged mutation to bbolt in one transaction.
func (w *Writer) Commit() error {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]*pendingOp)
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	err := w.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		terms := tx.Bucket(termsBucket)
		for guid, op := range pending {
			old, err := loadDoc(docs, guid)
			if err != nil {
				return err
			}
			if err := removeTerms(terms, w.termProps, guid, old); err != nil {
				return err
			}
			if op.deleted {
				if err := docs.Delete([]byte(guid)); err != nil {
					return err
				}
				continue
			}
			merged := map[string]interface{}{}
			for k, v := range old {
				merged[k] = v
			}
			for k, v := range op.properties {
				merged[k] = v
			}
			if err := addTerms(terms, w.termProps, guid, merged); err != nil {
				return err
			}
			if err := storeDoc(docs, guid, merged); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeIndexCorrupt, err, "commit failed").WithComponent("index").WithComponent(w.name)
	}
	return nil
}

// Find runs q against the committed index, ignoring any uncommitted
// pending mutations (callers overlay those separately via CachedPage).
func (w *Writer) Find(q *Query) ([]Document, int, error) {
	var out []Document
	err := w.db.View(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		terms := tx.Bucket(termsBucket)

		var guidSet map[string]struct{}
		constrained := false
		for prop, value := range q.Terms {
			sets, err := guidSetsForValue(terms, prop, value)
			if err != nil {
				return err
			}
			for _, s := range sets {
				if !constrained {
					guidSet = s
					constrained = true
				} else {
					guidSet = intersect(guidSet, s)
				}
			}
		}
		for prop, prefix := range q.Prefix {
			set, err := prefixGuidSet(terms, prop, prefix)
			if err != nil {
				return err
			}
			if !constrained {
				guidSet = set
				constrained = true
			} else {
				guidSet = intersect(guidSet, set)
			}
		}

		if !constrained {
			// No term or prefix constraints: scan every stored document.
			return docs.ForEach(func(k, v []byte) error {
				props, err := decodeDoc(v)
				if err != nil {
					return err
				}
				out = append(out, Document{GUID: string(k), Properties: props})
				return nil
			})
		}

		guids := make([]string, 0, len(guidSet))
		for g := range guidSet {
			guids = append(guids, g)
		}
		sort.Strings(guids)
		for _, guid := range guids {
			props, err := loadDoc(docs, guid)
			if err != nil {
				return err
			}
			if props == nil {
				continue
			}
			out = append(out, Document{GUID: guid, Properties: props})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	for prop, bounds := range q.Range {
		out = filterByRange(out, prop, bounds)
	}

	total := len(out)
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			return fmt.Sprintf("%v", out[i].Properties[q.OrderBy]) < fmt.Sprintf("%v", out[j].Properties[q.OrderBy])
		})
	}
	if q.GroupBy != "" {
		out = collapseByProperty(out, q.GroupBy)
	}
	if q.Offset > 0 && q.Offset < len(out) {
		out = out[q.Offset:]
	} else if q.Offset >= len(out) {
		out = nil
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, total, nil
}

// filterByRange keeps only documents whose prop value compares within
// [bounds[0], bounds[1]] inclusive; either bound may be nil to leave that
// side open. Numeric bounds compare numerically, everything else falls
// back to string comparison.
func filterByRange(docs []Document, prop string, bounds [2]interface{}) []Document {
	out := docs[:0:0]
	for _, d := range docs {
		v, ok := d.Properties[prop]
		if !ok {
			continue
		}
		if bounds[0] != nil && compareValues(v, bounds[0]) < 0 {
			continue
		}
		if bounds[1] != nil && compareValues(v, bounds[1]) > 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

// collapseByProperty keeps only the first document seen for each distinct
// value of prop, preserving order, mirroring Xapian's collapse-key.
func collapseByProperty(docs []Document, prop string) []Document {
	seen := map[string]bool{}
	out := docs[:0:0]
	for _, d := range docs {
		key := fmt.Sprintf("%v", d.Properties[prop])
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// compareValues compares a and b numerically when both parse as numbers,
// falling back to a string comparison otherwise.
func compareValues(a, b interface{}) int {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func loadDoc(docs *bbolt.Bucket, guid string) (map[string]interface{}, error) {
	data := docs.Get([]byte(guid))
	if data == nil {
		return nil, nil
	}
	return decodeDoc(data)
}

func decodeDoc(data []byte) (map[string]interface{}, error) {
	var props map[string]interface{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIndexCorrupt, err, "corrupt index document").WithComponent("index")
	}
	return props, nil
}

func storeDoc(docs *bbolt.Bucket, guid string, props map[string]interface{}) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return docs.Put([]byte(guid), data)
}

func termKey(prop string, value string) []byte {
	return []byte(prop + "\x00" + value)
}

func addTerms(terms *bbolt.Bucket, termProps map[string]*schema.Descriptor, guid string, props map[string]interface{}) error {
	for name, desc := range termProps {
		v, ok := props[name]
		if !ok {
			continue
		}
		for _, term := range termsFor(desc, v) {
			b, err := terms.CreateBucketIfNotExists(termKey(name, term))
			if err != nil {
				return err
			}
			if err := b.Put([]byte(guid), []byte{1}); err != nil {
				return err
			}
		}
	}
	return nil
}

func removeTerms(terms *bbolt.Bucket, termProps map[string]*schema.Descriptor, guid string, props map[string]interface{}) error {
	if props == nil {
		return nil
	}
	for name, desc := range termProps {
		v, ok := props[name]
		if !ok {
			continue
		}
		for _, term := range termsFor(desc, v) {
			b := terms.Bucket(termKey(name, term))
			if b == nil {
				continue
			}
			if err := b.Delete([]byte(guid)); err != nil {
				return err
			}
		}
	}
	return nil
}

// termsFor returns the set of index terms v contributes for desc: exact
// (ReprCast) terms for IndexedTerm/IndexedSlot properties, or one term per
// distinct word for IndexedFullText properties, following the original's
// term_generator.index_text tokenization for full-text fields.
func termsFor(desc *schema.Descriptor, v interface{}) []string {
	if desc.Storage == schema.IndexedFullText {
		return tokenizeFullText(v)
	}
	return schema.ReprCast(v)
}

// tokenizeFullText splits v's string representation into lowercase
// letter/digit runs, deduplicated, the simple word-tokenization a
// full-text property indexes one term per word.
func tokenizeFullText(v interface{}) []string {
	s := fmt.Sprintf("%v", v)
	var tokens []string
	seen := map[string]bool{}
	var cur []rune
	flush := func() {
		if len(cur) == 0 {
			return
		}
		word := strings.ToLower(string(cur))
		if !seen[word] {
			seen[word] = true
			tokens = append(tokens, word)
		}
		cur = cur[:0]
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// prefixGuidSet returns every GUID whose indexed term for prop starts with
// prefix, scanning the terms bucket's sorted keys rather than requiring an
// exact term match -- the term-query analogue of the original's '*'
// wildcard queries.
func prefixGuidSet(terms *bbolt.Bucket, prop, prefix string) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	needle := termKey(prop, prefix)
	c := terms.Cursor()
	for k, v := c.Seek(needle); k != nil && bytes.HasPrefix(k, needle); k, v = c.Next() {
		if v != nil {
			continue
		}
		b := terms.Bucket(k)
		if b == nil {
			continue
		}
		if err := b.ForEach(func(gk, _ []byte) error {
			set[string(gk)] = struct{}{}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func guidSetsForValue(terms *bbolt.Bucket, prop string, value interface{}) ([]map[string]struct{}, error) {
	var values []string
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			values = append(values, fmt.Sprintf("%v", item))
		}
	case []string:
		values = v
	default:
		values = []string{fmt.Sprintf("%v", v)}
	}
	sets := make([]map[string]struct{}, 0, len(values))
	for _, term := range values {
		set := map[string]struct{}{}
		b := terms.Bucket(termKey(prop, term))
		if b != nil {
			if err := b.ForEach(func(k, _ []byte) error {
				set[string(k)] = struct{}{}
				return nil
			}); err != nil {
				return nil, err
			}
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
