// Package volume groups a set of directories (one per document class)
// that share a single persistent seqno counter and event bus, the way
// the original system groups document classes sharing one sync cursor.
package volume

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/meshvault/meshvault/internal/directory"
	"github.com/meshvault/meshvault/internal/eventbus"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/seq"
)

// seqnoAdapter bridges pkg/seq.PersistentSequence to directory.SeqnoSource,
// since directories only need a Next() allocator, not the full sequence
// query surface.
type seqnoAdapter struct {
	seq *seq.PersistentSequence
}

func (a *seqnoAdapter) Next() int64 {
	last := a.seq.Last()
	next := last + 1
	a.seq.Include2(seq.Range{Start: next, End: &next})
	return next
}

func (a *seqnoAdapter) Commit() error {
	return a.seq.Commit()
}

// SeqnoSource returns a Next/Commit adapter over the volume's persistent
// seqno counter, for callers (e.g. internal/syncsat.Satellite) that need
// to allocate and durably advance it without the full Sequence query
// surface *seq.PersistentSequence exposes.
func (v *Volume) SeqnoSource() interface {
	Next() int64
	Commit() error
} {
	return &seqnoAdapter{seq: v.seq}
}

// Volume is a named collection of directories sharing one seqno counter
// and event bus.
type Volume struct {
	root        string
	seq         *seq.PersistentSequence
	bus         *eventbus.Bus
	directories map[string]*directory.Directory
}

// Open opens (creating if necessary) a Volume rooted at root.
func Open(root string) (*Volume, error) {
	persisted, err := seq.LoadPersistentSequence(filepath.Join(root, "seqno"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "cannot load volume seqno").WithComponent("volume")
	}
	return &Volume{
		root:        root,
		seq:         persisted,
		bus:         eventbus.New(),
		directories: make(map[string]*directory.Directory),
	}, nil
}

// Bus returns the volume's shared event bus.
func (v *Volume) Bus() *eventbus.Bus { return v.bus }

// Seqno returns the volume's shared persistent sequence.
func (v *Volume) Seqno() *seq.PersistentSequence { return v.seq }

// OpenDirectory opens or returns the already-open directory for name.
func (v *Volume) OpenDirectory(name string, meta *schema.Metadata, cfg directory.Config) (*directory.Directory, error) {
	if dir, ok := v.directories[name]; ok {
		return dir, nil
	}
	dir, err := directory.Open(filepath.Join(v.root, name), meta, &seqnoAdapter{seq: v.seq}, v.bus, cfg)
	if err != nil {
		return nil, err
	}
	v.directories[name] = dir
	return dir, nil
}

// Directory returns the already-open directory for name, or nil.
func (v *Volume) Directory(name string) *directory.Directory {
	return v.directories[name]
}

// Names returns the names of every open directory.
func (v *Volume) Names() []string {
	out := make([]string, 0, len(v.directories))
	for name := range v.directories {
		out = append(out, name)
	}
	return out
}

// Commit flushes every open directory's pending index writes and
// persists the seqno counter.
func (v *Volume) Commit(ctx context.Context) error {
	for _, dir := range v.directories {
		if err := dir.Commit(ctx); err != nil {
			return err
		}
	}
	return v.seq.Commit()
}

// DiffEntry is one document's property patch within a seqno range,
// tagged with the directory it belongs to so a sync packet can address
// it correctly.
type DiffEntry struct {
	Document string
	GUID     string
	Seqno    int64
	Patch    map[string]interface{}
}

// Diff collects changes across every open directory whose seqno falls
// within accept, up to limit entries total, ordered by directory name
// for determinism.
func (v *Volume) Diff(accept *seq.Sequence, limit int) ([]DiffEntry, error) {
	names := v.Names()
	sort.Strings(names)

	var out []DiffEntry
	for _, name := range names {
		if len(out) >= limit {
			break
		}
		dir := v.directories[name]
		entries, err := dir.Diff(accept, limit-len(out))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, DiffEntry{Document: name, GUID: e.GUID, Seqno: e.Seqno, Patch: e.Patch})
		}
	}
	return out, nil
}

// Merge applies an incoming patch from a peer to the named directory
// without allocating a local seqno.
func (v *Volume) Merge(document, guid string, patch map[string]interface{}, seqno int64) error {
	dir, ok := v.directories[document]
	if !ok {
		return errors.New(errors.ErrCodeDocumentNotFound,
			"push references unknown document class").WithComponent("volume").WithDetail("document", document)
	}
	return dir.Merge(guid, patch, seqno)
}

// Close commits and closes every open directory.
func (v *Volume) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := v.Commit(ctx); err != nil {
		return err
	}
	for _, dir := range v.directories {
		if err := dir.Close(); err != nil {
			return err
		}
	}
	return nil
}
