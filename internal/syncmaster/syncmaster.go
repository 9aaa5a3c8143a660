// Package syncmaster implements the master side of the sneakernet sync
// protocol: the `push` command a satellite posts its changes to, and
// the `pull` command it polls to receive the master's. It is grounded
// on original_source/sugar_network/node/sync_master.py.
package syncmaster

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/meshvault/meshvault/internal/packet"
	"github.com/meshvault/meshvault/internal/volume"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/seq"
	"github.com/meshvault/meshvault/pkg/types"
)

const defaultPullCacheSize = 256

// Volume is the subset of *internal/volume.Volume the master needs:
// applying a satellite's pushed patches and diffing its own history for
// a pull response.
type Volume interface {
	Diff(accept *seq.Sequence, limit int) ([]volume.DiffEntry, error)
	Merge(document, guid string, patch map[string]interface{}, seqno int64) error
}

// FileSyncer answers one file-tree directory's sync questions; it is
// satisfied by internal/filesync.Seeder.
type FileSyncer interface {
	Pending(accept *seq.Sequence) bool
	Pull(accept *seq.Sequence, w *packet.Writer) error
}

// FileSyncProvider resolves a sync_dirs name to its FileSyncer, or nil
// if the master doesn't mirror that directory.
type FileSyncProvider interface {
	Get(name string) FileSyncer
}

// Config tunes a Master's resource limits.
type Config struct {
	TmpDir        string
	PullCacheSize int
	PullTimeout   time.Duration
	DiffPageSize  int
}

// Master is one node's sync-master command set, registered into
// internal/dispatch at volume scope under POST push / GET pull.
type Master struct {
	guid   string
	volume Volume
	files  FileSyncProvider
	cfg    Config
	pulls  *pullCache
}

// New builds a Master identified by guid (this node's own address, used
// to validate push packet addressing).
func New(guid string, vol Volume, files FileSyncProvider, cfg Config) *Master {
	if cfg.PullCacheSize <= 0 {
		cfg.PullCacheSize = defaultPullCacheSize
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 30 * time.Second
	}
	if cfg.DiffPageSize <= 0 {
		cfg.DiffPageSize = 1024
	}
	return &Master{
		guid:   guid,
		volume: vol,
		files:  files,
		cfg:    cfg,
		pulls:  newPullCache(cfg.PullCacheSize),
	}
}

var reservedPushKeys = map[string]bool{
	"cmd": true, "document": true, "guid": true, "seqno": true,
}

// Push applies an incoming packet's sn_push/sn_commit/sn_pull/files_pull
// records and replies with an ack packet plus any sn_pull cookie the
// satellite should carry to its next pull.
func (m *Master) Push(req *types.Request, resp *types.Response) (interface{}, error) {
	if req.Payload.Kind != types.StreamPayload || req.Payload.Stream == nil {
		return nil, errors.New(errors.ErrCodeBadRequest, "push requires a packet body").WithComponent("syncmaster")
	}
	in, err := packet.NewReader(req.Payload.Stream)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	src, _ := in.Header["src"].(string)
	dst, _ := in.Header["dst"].(string)
	if src == "" || src == m.guid {
		return nil, errors.New(errors.ErrCodeSyncProtocol, "misaddressed packet").WithComponent("syncmaster")
	}
	if dst != m.guid {
		return nil, errors.New(errors.ErrCodeSyncProtocol, "misaddressed packet").WithComponent("syncmaster")
	}

	filename, _ := in.Header["filename"].(string)
	var buf fileBuffer
	out, err := packet.NewWriter(&buf, packet.CompressionGzip, 0, 0, map[string]interface{}{
		"src": m.guid, "dst": src, "filename": "ack." + filename,
	})
	if err != nil {
		return nil, err
	}

	pushed := seq.New()
	merged := seq.New()
	ck := newCookie()

	records, err := in.Records()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		cmd, _ := record.Meta["cmd"].(string)
		switch cmd {
		case "sn_push":
			document, _ := record.Meta["document"].(string)
			guid, _ := record.Meta["guid"].(string)
			seqno, _ := toInt64(record.Meta["seqno"])
			patch := map[string]interface{}{}
			for k, v := range record.Meta {
				if !reservedPushKeys[k] {
					patch[k] = v
				}
			}
			if err := m.volume.Merge(document, guid, patch, seqno); err != nil {
				return nil, err
			}
			merged.Include(seqno, &seqno)
		case "sn_commit":
			if err := includeSequenceField(pushed, record.Meta["sequence"]); err != nil {
				return nil, err
			}
		case "sn_pull":
			if err := includeSequenceField(ck.get("sn_pull"), record.Meta["sequence"]); err != nil {
				return nil, err
			}
		case "files_pull":
			directory, _ := record.Meta["directory"].(string)
			if err := includeSequenceField(ck.get(directory), record.Meta["sequence"]); err != nil {
				return nil, err
			}
		case "stats_push":
			// RRD statistics are out of scope; the record is accepted
			// (so older satellites don't error) and otherwise dropped.
		}
	}

	if !merged.Empty() && pushed.Empty() {
		return nil, errors.New(errors.ErrCodeSyncProtocol, "sn_push record without sn_commit").WithComponent("syncmaster")
	}
	if !pushed.Empty() {
		if err := out.Push("", map[string]interface{}{"cmd": "sn_ack", "sequence": pushed, "merged": merged}, nil); err != nil {
			return nil, err
		}
	}

	for _, r := range merged.Ranges() {
		ck.get("sn_pull").Exclude(r.Start, rangeEnd(r))
	}

	passed, err := decodeCookie(stringArg(req, "cookie"))
	if err != nil {
		return nil, err
	}
	ck.include(passed)
	if err := ck.store(resp, 0); err != nil {
		return nil, err
	}

	resp.ContentType = "application/octet-stream"
	if out.Empty() {
		if err := out.Close(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Pull returns the master's next batch of changes for the caller's
// cookie, building (and caching) a packet in the background when no
// cached build already covers it.
func (m *Master) Pull(req *types.Request, resp *types.Response) (interface{}, error) {
	ck, err := decodeCookie(stringArg(req, "cookie"))
	if err != nil {
		return nil, err
	}
	if ck.empty() {
		ck.get("sn_pull").Include(1, nil)
	}

	pullKey, err := cookieKey(ck)
	if err != nil {
		return nil, err
	}

	acceptLength, _ := toInt64(req.Args["accept_length"])

	job, ok := m.pulls.get(pullKey)
	if ok && acceptLength > 0 && job.length() > acceptLength {
		m.pulls.remove(pullKey)
		ok = false
	}
	if !ok {
		path := filepath.Join(m.cfg.TmpDir, pullKey+".pull")
		header := map[string]interface{}{"src": m.guid}
		job = newPullJob(path, ck, header, m.build)
		m.pulls.put(pullKey, job)
	}

	if !job.ready() {
		if err := ck.store(resp, job.secondsRemained(m.cfg.PullTimeout)); err != nil {
			return nil, err
		}
		return nil, nil
	}

	finalCookie, jobErr := job.result()
	if jobErr != nil {
		m.pulls.remove(pullKey)
		return nil, jobErr
	}
	resp.ContentType = "application/octet-stream"
	if err := finalCookie.store(resp, 0); err != nil {
		return nil, err
	}
	f, err := job.open()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// build drains ck's "sn_pull" volume diff and any requested file-sync
// directories into w, run on a pullJob's background goroutine.
func (m *Master) build(ck cookie, w *packet.Writer) error {
	if pull, ok := ck["sn_pull"]; ok && !pull.Empty() {
		entries, err := m.volume.Diff(pull, m.cfg.DiffPageSize)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seqno < entries[j].Seqno })
		committed := seq.New()
		for _, e := range entries {
			record := map[string]interface{}{"cmd": "sn_push", "document": e.Document, "guid": e.GUID, "seqno": e.Seqno}
			for k, v := range e.Patch {
				record[k] = v
			}
			if err := w.Push("", record, nil); err != nil {
				return err
			}
			seqno := e.Seqno
			committed.Include(seqno, &seqno)
		}
		if !committed.Empty() {
			if err := w.Push("", map[string]interface{}{"cmd": "sn_commit", "sequence": committed}, nil); err != nil {
				return err
			}
			for _, r := range committed.Ranges() {
				pull.Exclude(r.Start, rangeEnd(r))
			}
		}
	}

	if m.files == nil {
		return nil
	}
	for directory, accept := range ck {
		if directory == "sn_pull" || accept.Empty() {
			continue
		}
		syncer := m.files.Get(directory)
		if syncer == nil || !syncer.Pending(accept) {
			continue
		}
		if err := syncer.Pull(accept, w); err != nil {
			return err
		}
	}
	return nil
}

func cookieKey(ck cookie) (string, error) {
	wire := wireCookie{}
	for k, v := range ck {
		wire[k] = v
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func stringArg(req *types.Request, name string) string {
	v, ok := req.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func toInt64(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func rangeEnd(r seq.Range) int64 {
	if r.End == nil {
		return r.Start
	}
	return *r.End
}

func includeSequenceField(s *seq.Sequence, raw interface{}) error {
	pairs, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	for _, p := range pairs {
		pair, ok := p.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		start, ok := toInt64(pair[0])
		if !ok {
			continue
		}
		if pair[1] == nil {
			s.Include(start, nil)
			continue
		}
		end, ok := toInt64(pair[1])
		if !ok {
			continue
		}
		s.Include(start, &end)
	}
	return nil
}

// fileBuffer adapts a growable byte slice to io.Writer/io.WriterAt-free
// usage for an in-memory ack packet, the way the original's
// OutBufferPacket writes into a StringIO instead of a file.
type fileBuffer struct {
	data []byte
}

func (b *fileBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *fileBuffer) Bytes() []byte { return b.data }

var _ io.Writer = (*fileBuffer)(nil)
