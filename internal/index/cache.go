package index

import (
	"github.com/meshvault/meshvault/internal/schema"
)

// CachedDocument is one not-yet-committed document mutation, tracked so
// reads can see their own writes before the write queue flushes them to
// bbolt. Batch is the write-queue batch seqno the mutation was staged
// into (queue.Queue.Put's return value); once that batch has committed,
// the entry is redundant with bbolt and Purge discards it.
type CachedDocument struct {
	GUID       string
	Properties map[string]interface{}
	New        bool
	Deleted    bool
	Batch      int64
	terms      map[string][]string
	origTerms  map[string][]string
}

func (c *CachedDocument) recomputeTerms(termProps map[string]*schema.Descriptor) {
	c.terms = make(map[string][]string, len(termProps))
	for name, desc := range termProps {
		v, ok := c.Properties[name]
		if !ok {
			if orig, ok := c.origTerms[name]; ok {
				c.terms[name] = orig
			}
			continue
		}
		c.terms[name] = termsFor(desc, v)
	}
}

// matchesSubset reports whether every term in want is present among the
// document's terms for the same property, using subset-of comparison for
// composite (list) properties and exact match for scalars.
func (c *CachedDocument) matchesSubset(want map[string][]string) bool {
	for prop, wantValues := range want {
		have := map[string]struct{}{}
		for _, v := range c.terms[prop] {
			have[v] = struct{}{}
		}
		for _, v := range wantValues {
			if _, ok := have[v]; !ok {
				return false
			}
		}
	}
	return true
}

// CachedPage is one generation of uncommitted writes for a document
// class, consulted before (or instead of) a bbolt query so readers see
// their own recent writes.
type CachedPage struct {
	termProps map[string]*schema.Descriptor
	docs      map[string]*CachedDocument
}

// NewCachedPage builds an empty page for the given term properties.
func NewCachedPage(termProps map[string]*schema.Descriptor) *CachedPage {
	return &CachedPage{termProps: termProps, docs: map[string]*CachedDocument{}}
}

// Update records a property mutation for guid, staged into batch (the
// write-queue seqno the mutation will commit under). orig is the
// document's previously committed properties (nil for a brand-new
// document). A prior tombstone for guid (from Delete) is cleared: a
// write arriving after a staged delete means the document was
// recreated before the delete ever reached bbolt.
func (p *CachedPage) Update(guid string, props map[string]interface{}, orig map[string]interface{}, batch int64) {
	existing, ok := p.docs[guid]
	if !ok || existing.Deleted {
		cd := &CachedDocument{
			GUID:       guid,
			Properties: copyProps(props),
			New:        orig == nil,
			Batch:      batch,
		}
		if orig != nil {
			cd.origTerms = make(map[string][]string, len(p.termProps))
			for name, desc := range p.termProps {
				if v, ok := orig[name]; ok {
					cd.origTerms[name] = termsFor(desc, v)
				}
			}
		}
		cd.recomputeTerms(p.termProps)
		p.docs[guid] = cd
		return
	}
	for k, v := range props {
		existing.Properties[k] = v
	}
	existing.Batch = batch
	existing.recomputeTerms(p.termProps)
}

// Delete marks guid removed within this page as of batch. Unlike a plain
// map delete, the tombstone is kept so a reader who queries between the
// delete being staged and it being committed to bbolt does not fall back
// to the stale committed copy still sitting in the base query result.
func (p *CachedPage) Delete(guid string, batch int64) {
	p.docs[guid] = &CachedDocument{GUID: guid, Deleted: true, Batch: batch}
}

// Get returns the cached document for guid, or nil if the page has no
// staged mutation for it. A returned document with Deleted set means
// guid was removed within this page; callers must treat that as "does
// not exist" rather than falling through to a committed read.
func (p *CachedPage) Get(guid string) *CachedDocument {
	return p.docs[guid]
}

// Len reports the number of documents touched by this page.
func (p *CachedPage) Len() int { return len(p.docs) }

// Purge discards every entry whose batch has committed (Batch <=
// commitSeqno): the committed index now holds it and the cache entry
// would only add overhead and risk shadowing a later commit with stale
// data. Callers run this before consulting the page so it never grows
// without bound across a long-lived Directory.
func (p *CachedPage) Purge(commitSeqno int64) {
	for guid, cd := range p.docs {
		if cd.Batch <= commitSeqno {
			delete(p.docs, guid)
		}
	}
}

// Patch overlays the page's uncommitted writes onto base query results:
// documents newly matching the query are added, documents no longer
// matching are removed, and documents still matching have their
// uncommitted properties merged in.
func (p *CachedPage) Patch(q *Query, base []Document, total int) ([]Document, int) {
	if len(p.docs) == 0 {
		return base, total
	}

	want := make(map[string][]string, len(q.Terms))
	for prop, v := range q.Terms {
		if desc, ok := p.termProps[prop]; ok {
			want[prop] = termsFor(desc, v)
			continue
		}
		want[prop] = schema.ReprCast(v)
	}

	baseIdx := make(map[string]int, len(base))
	for i, d := range base {
		baseIdx[d.GUID] = i
	}

	deletes := map[string]bool{}
	updates := map[string]*CachedDocument{}
	var adds []*CachedDocument

	for docGUID, cd := range p.docs {
		if cd.Deleted {
			if _, inBase := baseIdx[docGUID]; inBase {
				deletes[docGUID] = true
			}
			continue
		}
		matches := cd.matchesSubset(want)
		if cd.New {
			if matches {
				adds = append(adds, cd)
			}
			continue
		}
		_, inBase := baseIdx[docGUID]
		if matches && !inBase && !(&CachedDocument{terms: cd.origTerms}).matchesSubset(want) {
			// matched only after this uncommitted change
			adds = append(adds, cd)
		} else if matches {
			updates[docGUID] = cd
		} else if inBase {
			deletes[docGUID] = true
		}
	}

	out := make([]Document, 0, len(base)+len(adds))
	for _, d := range base {
		if deletes[d.GUID] {
			total--
			continue
		}
		if cd, ok := updates[d.GUID]; ok {
			merged := copyProps(d.Properties)
			for k, v := range cd.Properties {
				merged[k] = v
			}
			out = append(out, Document{GUID: d.GUID, Properties: merged})
			continue
		}
		out = append(out, d)
	}
	for _, cd := range adds {
		total++
		out = append(out, Document{GUID: cd.GUID, Properties: copyProps(cd.Properties)})
	}
	return out, total
}

func copyProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
