// Package mount projects a volume onto a read-only FUSE filesystem: one
// directory per document class, one JSON file per consistent record.
// Properties stored as BLOBs are omitted from the JSON body — fetch them
// through the dispatch/router path instead of the mount.
package mount

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/meshvault/meshvault/internal/cache"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/volume"
)

// Config tunes the projection. A zero Config is valid and read-only.
type Config struct {
	DefaultUID  uint32
	DefaultGID  uint32
	DefaultMode uint32
	CacheTTL    time.Duration
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.DefaultMode == 0 {
		c.DefaultMode = 0444
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Second
	}
	return c
}

// FileSystem is the root of the projected tree.
type FileSystem struct {
	vol     *volume.Volume
	cache   *cache.LRUCache
	metrics *metrics.DetailedPerformanceMetrics
	config  *Config

	mu    sync.Mutex
	stats Stats
}

// Stats summarizes projection activity for GetStats/debugging.
type Stats struct {
	Lookups int64
	Reads   int64
	Errors  int64
}

// New builds a FileSystem over vol. cache and perf may both be nil.
func New(vol *volume.Volume, recordCache *cache.LRUCache, perf *metrics.DetailedPerformanceMetrics, cfg *Config) *FileSystem {
	return &FileSystem{
		vol:     vol,
		cache:   recordCache,
		metrics: perf,
		config:  cfg.withDefaults(),
	}
}

// Root returns the root inode, one child directory per document class.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &rootNode{fs: f}
}

// GetStats returns a snapshot of lookup/read/error counters.
func (f *FileSystem) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *FileSystem) record(op metrics.OperationType, path string, start time.Time, n int64, source metrics.CacheSourceType, err error) {
	f.mu.Lock()
	switch op {
	case metrics.OpRead:
		f.stats.Reads++
	case metrics.OpGetAttr:
		f.stats.Lookups++
	}
	if err != nil {
		f.stats.Errors++
	}
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.RecordOperation(op, path, time.Since(start), n, source, err)
	}
}

type rootNode struct {
	fs.Inode
	fs *FileSystem
}

var _ fs.NodeLookuper = (*rootNode)(nil)
var _ fs.NodeReaddirer = (*rootNode)(nil)

func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	d := n.fs.vol.Directory(name)
	if d == nil {
		n.fs.record(metrics.OpGetAttr, name, start, 0, metrics.CacheSourceBackend, syscall.ENOENT)
		return nil, syscall.ENOENT
	}
	n.fs.record(metrics.OpGetAttr, name, start, 0, metrics.CacheSourceBackend, nil)
	child := &documentNode{fs: n.fs, name: name}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names := n.fs.vol.Names()
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFDIR})
	}
	return fs.NewListDirStream(entries), 0
}

type documentNode struct {
	fs.Inode
	fs   *FileSystem
	name string
}

var _ fs.NodeLookuper = (*documentNode)(nil)
var _ fs.NodeReaddirer = (*documentNode)(nil)

func (n *documentNode) Lookup(ctx context.Context, guid string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	d := n.fs.vol.Directory(n.name)
	if d == nil || !d.Exists(guid) {
		n.fs.record(metrics.OpGetAttr, n.name+"/"+guid, start, 0, metrics.CacheSourceBackend, syscall.ENOENT)
		return nil, syscall.ENOENT
	}
	n.fs.record(metrics.OpGetAttr, n.name+"/"+guid, start, 0, metrics.CacheSourceBackend, nil)
	child := &recordNode{fs: n.fs, document: n.name, guid: guid}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (n *documentNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d := n.fs.vol.Directory(n.name)
	if d == nil {
		return nil, syscall.ENOENT
	}
	guids, err := d.List()
	if err != nil {
		log.Printf("mount: readdir %s: %v", n.name, err)
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(guids))
	for _, g := range guids {
		entries = append(entries, fuse.DirEntry{Name: g, Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

type recordNode struct {
	fs.Inode
	fs       *FileSystem
	document string
	guid     string

	// cachedSize remembers the byte-range key the last Put used, since
	// internal/cache.LRUCache keys strictly on (key, offset, size) and a
	// whole-document read has no size to ask for ahead of computing it.
	cachedSize atomic.Int64
}

var _ fs.NodeOpener = (*recordNode)(nil)
var _ fs.NodeGetattrer = (*recordNode)(nil)

func (n *recordNode) cacheKey() string { return n.document + "/" + n.guid }

func (n *recordNode) body() ([]byte, syscall.Errno, metrics.CacheSourceType) {
	if n.fs.cache != nil {
		if size := n.cachedSize.Load(); size > 0 {
			if data := n.fs.cache.Get(n.cacheKey(), 0, size); data != nil {
				return data, 0, metrics.CacheSourceL1
			}
		}
	}

	d := n.fs.vol.Directory(n.document)
	if d == nil {
		return nil, syscall.ENOENT, metrics.CacheSourceBackend
	}
	props, err := d.Get(n.guid)
	if err != nil {
		return nil, syscall.ENOENT, metrics.CacheSourceBackend
	}
	data, err := json.MarshalIndent(props, "", "  ")
	if err != nil {
		return nil, syscall.EIO, metrics.CacheSourceBackend
	}
	if n.fs.cache != nil {
		n.fs.cache.Put(n.cacheKey(), 0, data)
		n.cachedSize.Store(int64(len(data)))
	}
	return data, 0, metrics.CacheSourceBackend
}

func (n *recordNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, errno, source := n.body()
	if errno != 0 {
		return nil, 0, errno
	}
	return &recordHandle{node: n, data: data, source: source}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *recordNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno, _ := n.body()
	if errno != 0 {
		return errno
	}
	out.Mode = n.fs.config.DefaultMode
	out.Size = uint64(len(data))
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	return 0
}

type recordHandle struct {
	node   *recordNode
	data   []byte
	source metrics.CacheSourceType
}

var _ fs.FileReader = (*recordHandle)(nil)

func (h *recordHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	if off >= int64(len(h.data)) {
		h.node.fs.record(metrics.OpRead, h.node.cacheKey(), start, 0, h.source, nil)
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	chunk := h.data[off:end]
	h.node.fs.record(metrics.OpRead, h.node.cacheKey(), start, int64(len(chunk)), h.source, nil)
	return fuse.ReadResultData(chunk), 0
}
