// Package syncsat is the satellite side of the sneakernet sync
// protocol: it watches a removable sync directory for packets dropped
// there (by a USB stick, a shared folder, anything fsnotify can watch),
// imports whatever it finds, and writes back its own outgoing packet of
// local changes. It is grounded on
// original_source/sugar_network/node/sync_node.py.
package syncsat

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/meshvault/meshvault/internal/circuit"
	"github.com/meshvault/meshvault/internal/eventbus"
	"github.com/meshvault/meshvault/internal/packet"
	"github.com/meshvault/meshvault/internal/volume"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/retry"
	"github.com/meshvault/meshvault/pkg/seq"
)

const processedSuffix = ".synced"

// Seqno is the volume-wide sequence counter bumped once a push round is
// fully acknowledged by the master.
type Seqno interface {
	Next() int64
	Commit() error
}

// Volume is the subset of *internal/volume.Volume a satellite needs:
// diffing its own local history for an outgoing packet, and merging a
// master's pushed patches into it.
type Volume interface {
	Diff(accept *seq.Sequence, limit int) ([]volume.DiffEntry, error)
	Merge(document, guid string, patch map[string]interface{}, seqno int64) error
}

// FileLeecher applies one sync directory's incoming file records and
// reports what it's still waiting on.
type FileLeecher interface {
	Apply(rec packet.Record) error
	Pending() *seq.Sequence
}

// Config identifies this node and the master it trades packets with.
type Config struct {
	NodeGUID   string
	MasterGUID string
	StateDir   string // where push/pull sequences are persisted
}

// Satellite runs sync rounds against one or more sneakernet mount
// directories, reconciling a local Volume against a master it may have
// no direct network path to.
type Satellite struct {
	cfg     Config
	vol     Volume // local volume (Diff for outgoing, Merge for incoming)
	seqno   Seqno
	bus     *eventbus.Bus
	files   map[string]FileLeecher
	pushSeq *seq.PersistentSequence
	pullSeq *seq.PersistentSequence

	mu      sync.Mutex
	session string
	toPush  *seq.Sequence
}

// New builds a Satellite. files maps a sync_dirs basename to the
// FileLeecher mirroring that directory (normally *filesync.Leecher).
func New(cfg Config, vol Volume, seqno Seqno, bus *eventbus.Bus, files map[string]FileLeecher) (*Satellite, error) {
	pushSeq, err := seq.LoadPersistentSequence(filepath.Join(cfg.StateDir, "push"), seq.Range{Start: 1, End: nil})
	if err != nil {
		return nil, err
	}
	pullSeq, err := seq.LoadPersistentSequence(filepath.Join(cfg.StateDir, "pull"), seq.Range{Start: 1, End: nil})
	if err != nil {
		return nil, err
	}
	return &Satellite{cfg: cfg, vol: vol, seqno: seqno, bus: bus, files: files, pushSeq: pushSeq, pullSeq: pullSeq}, nil
}

func (s *Satellite) publish(event string, fields map[string]interface{}) {
	if s.bus == nil {
		return
	}
	e := eventbus.Event{"event": event}
	for k, v := range fields {
		e[k] = v
	}
	s.bus.Publish(e)
}

// SyncOnce runs a single round against the packets found directly under
// dir: it imports every foreign packet present, then writes one
// outgoing packet capped at acceptLength bytes (0 for unbounded). It
// returns more=true when the local backlog didn't fit and another round
// against the same or another mount is needed.
func (s *Satellite) SyncOnce(dir string, acceptLength int64) (more bool, err error) {
	s.publish("sync_start", map[string]interface{}{"path": dir})

	s.mu.Lock()
	if s.session == "" {
		s.session = uuid.NewString()
		s.toPush = seq.New()
		for _, r := range s.pushSeq.Ranges() {
			s.toPush.Include(r.Start, r.End)
		}
	}
	session := s.session
	toPush := s.toPush
	s.mu.Unlock()

	if err := s.importDir(dir, session, toPush); err != nil {
		s.publish("sync_error", map[string]interface{}{"error": err.Error()})
		return false, err
	}
	if err := s.pushSeq.Commit(); err != nil {
		return false, err
	}
	if err := s.pullSeq.Commit(); err != nil {
		return false, err
	}

	more, err = s.buildOutgoing(dir, session, toPush, acceptLength)
	if err != nil {
		s.publish("sync_error", map[string]interface{}{"error": err.Error()})
		return false, err
	}
	if !more {
		s.mu.Lock()
		s.session = ""
		s.toPush = nil
		s.mu.Unlock()
		s.publish("sync_complete", nil)
	} else {
		s.publish("sync_continue", nil)
	}
	return more, nil
}

// importDir reads every packet file directly under dir, applying
// foreign ones and removing our own stale packets from a previous
// session. Processed foreign packets are renamed rather than deleted,
// so a second satellite sharing the same mount can still see them.
func (s *Satellite) importDir(dir, session string, toPush *seq.Sequence) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || hasSuffix(e.Name(), processedSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		full := filepath.Join(dir, name)
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		r, err := packet.NewReader(f)
		if err != nil {
			f.Close()
			continue // not a packet this node understands; leave it alone
		}

		src, _ := r.Header["src"].(string)
		if src == s.cfg.NodeGUID {
			r.Close()
			f.Close()
			if sess, _ := r.Header["session"].(string); sess != session {
				os.Remove(full)
			}
			continue
		}

		err = s.importPacket(r, toPush)
		r.Close()
		f.Close()
		if err != nil {
			return err
		}
		if err := os.Rename(full, full+processedSuffix); err != nil {
			return err
		}
	}
	return nil
}

func (s *Satellite) importPacket(r *packet.Reader, toPush *seq.Sequence) error {
	fromMaster := false
	if src, _ := r.Header["src"].(string); src == s.cfg.MasterGUID {
		fromMaster = true
	}

	records, err := r.Records()
	if err != nil {
		return err
	}
	for _, rec := range records {
		cmd, _ := rec.Meta["cmd"].(string)
		switch {
		case cmd == "sn_push":
			document, _ := rec.Meta["document"].(string)
			guid, _ := rec.Meta["guid"].(string)
			seqno, _ := toInt64(rec.Meta["seqno"])
			patch := map[string]interface{}{}
			for k, v := range rec.Meta {
				if k != "cmd" && k != "document" && k != "guid" && k != "seqno" {
					patch[k] = v
				}
			}
			if err := s.vol.Merge(document, guid, patch, seqno); err != nil {
				return err
			}
		case !fromMaster:
			// records from a peer satellite other than sn_push carry no
			// meaning here; only the master issues commits/acks.
		case cmd == "sn_commit":
			if err := includeSequenceField(s.pullSeq, rec.Meta["sequence"], true); err != nil {
				return err
			}
		case cmd == "sn_ack":
			if dst, _ := rec.Meta["dst"].(string); dst != "" && dst != s.cfg.NodeGUID {
				continue
			}
			if err := includeSequenceField(s.pushSeq, rec.Meta["sequence"], true); err != nil {
				return err
			}
			if err := includeSequenceField(s.pullSeq, rec.Meta["merged"], true); err != nil {
				return err
			}
			excludeSequenceField(toPush, rec.Meta["sequence"])
			s.seqno.Next()
			if err := s.seqno.Commit(); err != nil {
				return err
			}
		case cmd == "stats_ack":
			// RRD statistics acknowledgements are out of scope.
		default:
			directory, _ := rec.Meta["directory"].(string)
			if leecher, ok := s.files[directory]; ok {
				if err := leecher.Apply(rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// buildOutgoing writes one packet of this satellite's outstanding
// changes into dir. On a DiskFull partway through, the packet is still
// closed (flushing whatever fit) and more=true is returned so the
// caller retries with the remaining backlog on a later round.
func (s *Satellite) buildOutgoing(dir, session string, toPush *seq.Sequence, acceptLength int64) (more bool, err error) {
	path := filepath.Join(dir, session+".pull")
	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return s.buildPacket(f, session, toPush, acceptLength)
}

// buildPacket writes one outgoing packet to w: files_pull/sn_pull
// requests for whatever this satellite still wants, followed by its own
// outstanding sn_push records. Shared between the sneakernet path
// (writing to a file under a mount directory) and the direct-HTTP path
// (writing to a request body).
func (s *Satellite) buildPacket(w io.Writer, session string, toPush *seq.Sequence, acceptLength int64) (more bool, err error) {
	out, err := packet.NewWriter(w, packet.CompressionGzip, acceptLength, 0, map[string]interface{}{
		"src": s.cfg.NodeGUID, "dst": s.cfg.MasterGUID, "session": session,
	})
	if err != nil {
		return false, err
	}
	return s.fillPacket(out, toPush)
}

func (s *Satellite) fillPacket(w *packet.Writer, toPush *seq.Sequence) (more bool, err error) {
	for directory, leecher := range s.files {
		if err := w.Push("", map[string]interface{}{
			"cmd": "files_pull", "directory": directory, "sequence": leecher.Pending(),
		}, nil); err != nil {
			w.Close()
			return false, err
		}
	}
	if err := w.Push("", map[string]interface{}{"cmd": "sn_pull", "sequence": s.pullSeq}, nil); err != nil {
		w.Close()
		return false, err
	}

	s.publish("sync_progress", map[string]interface{}{"progress": "generating packet"})

	entries, err := s.vol.Diff(toPush, 4096)
	if err != nil {
		return false, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seqno < entries[j].Seqno })
	for _, e := range entries {
		record := map[string]interface{}{"cmd": "sn_push", "document": e.Document, "guid": e.GUID, "seqno": e.Seqno}
		for k, v := range e.Patch {
			record[k] = v
		}
		if err := w.Push("", record, nil); err != nil {
			if isDiskFull(err) {
				return true, w.Close()
			}
			return false, err
		}
	}

	return false, w.Close()
}

func isDiskFull(err error) bool {
	appErr, ok := err.(*errors.Error)
	return ok && appErr.Code == errors.ErrCodeDiskFull
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

func includeSequenceField(s *seq.PersistentSequence, raw interface{}, exclude bool) error {
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
			if exclude {
				continue
			}
			s.Include(start, nil)
			continue
		}
		end, ok := toInt64(pair[1])
		if !ok {
			continue
		}
		if exclude {
			s.Exclude(start, end)
		} else {
			s.Include(start, &end)
		}
	}
	return nil
}

func excludeSequenceField(s *seq.Sequence, raw interface{}) {
	pairs, ok := raw.([]interface{})
	if !ok {
		return
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
		end, ok := toInt64(pair[1])
		if !ok {
			continue
		}
		s.Exclude(start, end)
	}
}

func hasSuffix(name, suffix string) bool {
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// WatchMounts watches root for sync directories appearing and
// disappearing (the way the original's mountpoints.connect notices a
// USB stick), invoking onFound/onLost with the mounted path. It runs
// until ctx is done.
func WatchMounts(ctx context.Context, root string, onFound, onLost func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					onFound(ev.Name)
				}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				onLost(ev.Name)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// HTTPClient syncs directly against a reachable master's push/pull
// endpoints instead of via a sneakernet mount, guarding the connection
// with a circuit breaker and bounded retries the way a satellite on a
// flaky link needs to.
type HTTPClient struct {
	sat     *Satellite
	baseURL string
	client  *http.Client
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
}

// NewHTTPClient builds an HTTPClient posting to baseURL ("/push",
// "/pull") on behalf of sat.
func NewHTTPClient(sat *Satellite, baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		sat:     sat,
		baseURL: baseURL,
		client:  client,
		breaker: circuit.NewCircuitBreaker("sync-master:"+baseURL, masterBreakerConfig()),
		retryer: retry.New(retry.DefaultConfig()),
	}
}

// masterBreakerConfig tunes the generic circuit breaker for a satellite's
// master connection: a push/pull round is one or two requests, not the
// dozens the breaker's own default threshold assumes, so three
// consecutive failures -- rather than twenty requests at a 50% failure
// rate -- is what actually protects a flaky link from being hammered.
// context.Canceled/DeadlineExceeded are the caller giving up, not the
// master misbehaving, so they don't count as breaker failures; every
// other *errors.Error (a disk-full master, a corrupt cookie, a stale
// layout) does, regardless of its Retryable bit, since the breaker's
// purpose is request-rate protection, not retry eligibility.
func masterBreakerConfig() circuit.Config {
	return circuit.Config{
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCancellationErr(err)
		},
		OnStateChange: func(name string, from, to circuit.State) {
			log.Printf("syncsat: breaker %s transitioned %s -> %s", name, from, to)
		},
	}
}

func isCancellationErr(err error) bool {
	for err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// SyncOnce runs one push-then-pull round against the master over HTTP.
func (c *HTTPClient) SyncOnce(ctx context.Context, acceptLength int64) (more bool, err error) {
	err = c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			var roundErr error
			more, roundErr = c.syncOnceLocked(ctx, acceptLength)
			return roundErr
		})
	})
	return more, err
}

func (c *HTTPClient) syncOnceLocked(ctx context.Context, acceptLength int64) (bool, error) {
	s := c.sat

	s.mu.Lock()
	if s.session == "" {
		s.session = uuid.NewString()
		s.toPush = seq.New()
		for _, r := range s.pushSeq.Ranges() {
			s.toPush.Include(r.Start, r.End)
		}
	}
	session := s.session
	toPush := s.toPush
	s.mu.Unlock()

	var body bytes.Buffer
	more, err := s.buildPacket(&body, session, toPush, acceptLength)
	if err != nil {
		return false, err
	}

	if body.Len() > 0 {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push", &body)
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := c.client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return false, errors.New(errors.ErrCodeSyncProtocol, "push request rejected by master").WithComponent("syncsat")
		}
		if resp.ContentLength != 0 {
			if r, err := packet.NewReader(resp.Body); err == nil {
				err = s.importPacket(r, toPush)
				r.Close()
				if err != nil {
					return false, err
				}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pull", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, errors.New(errors.ErrCodeSyncProtocol, "pull request rejected by master").WithComponent("syncsat")
	}
	if resp.ContentLength == 0 {
		return more, nil
	}
	r, err := packet.NewReader(resp.Body)
	if err != nil {
		return more, err
	}
	defer r.Close()
	if err := s.importPacket(r, toPush); err != nil {
		return false, err
	}

	if err := s.pushSeq.Commit(); err != nil {
		return false, err
	}
	if err := s.pullSeq.Commit(); err != nil {
		return false, err
	}
	if !more {
		s.mu.Lock()
		s.session = ""
		s.toPush = nil
		s.mu.Unlock()
	}
	return more, nil
}
