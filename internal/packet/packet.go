// Package packet implements the sneakernet transfer format: a tar
// archive carrying a JSON header entry plus one or more record entries
// (each paired with an optional BLOB), optionally gzip- or zstd-
// compressed. It is how satellites exchange changes with a master (or
// with each other) when no direct network path exists.
package packet

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/meshvault/meshvault/pkg/errors"
)

// Compression selects the tar stream's compression tier. The original
// system also offered bzip2; that tier is dropped here since neither
// this module's dependency pack nor the Go standard library ships a
// maintained bzip2 encoder (stdlib only decodes).
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

const recordSuffix = ".record"

// DefaultReservedBytes is held back from a packet's byte budget so the
// final header entry always has room to be written.
const DefaultReservedBytes = 64 * 1024

// Writer builds an outgoing packet, enforcing a byte budget so a
// satellite with a nearly-full sneakernet volume fails predictably
// instead of writing a truncated archive.
type Writer struct {
	header   map[string]interface{}
	limit    int64
	reserved int64
	written  int64
	fileNum  int
	empty    bool

	closer io.Closer
	tw     *tar.Writer
}

// NewWriter starts an outgoing packet writing to w, compressed per tier,
// budgeted to limit total bytes (0 means unbounded) minus reserved.
func NewWriter(w io.Writer, tier Compression, limit, reserved int64, header map[string]interface{}) (*Writer, error) {
	if reserved <= 0 {
		reserved = DefaultReservedBytes
	}
	if header == nil {
		header = map[string]interface{}{}
	}

	var closer io.Closer
	tarTarget := w
	switch tier {
	case CompressionGzip:
		gz := gzip.NewWriter(w)
		closer = gz
		tarTarget = gz
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "cannot start zstd writer").WithComponent("packet")
		}
		closer = zw
		tarTarget = zw
	case CompressionNone, "":
	default:
		return nil, errors.New(errors.ErrCodeBadRequest, fmt.Sprintf("unsupported compression tier %q", tier)).
			WithComponent("packet")
	}

	return &Writer{
		header:   header,
		limit:    limit,
		reserved: reserved,
		empty:    true,
		closer:   closer,
		tw:       tar.NewWriter(tarTarget),
	}, nil
}

// budget returns remaining bytes before the reserve, or -1 if
// unbounded.
func (p *Writer) budget() int64 {
	if p.limit <= 0 {
		return -1
	}
	return p.limit - p.written - p.reserved
}

func (p *Writer) checkBudget(size int64) error {
	b := p.budget()
	if b >= 0 && size > b {
		return errors.New(errors.ErrCodeDiskFull, "packet byte budget exhausted").WithComponent("packet")
	}
	return nil
}

func (p *Writer) addFile(name string, data []byte, force bool) error {
	if !force {
		if err := p.checkBudget(int64(len(data))); err != nil {
			return err
		}
	}
	hdr := &tar.Header{Name: name, Mode: 0640, Size: int64(len(data)), ModTime: time.Now()}
	if err := p.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := p.tw.Write(data); err != nil {
		return err
	}
	p.written += int64(len(data))
	p.empty = false
	return nil
}

// Push writes one record, optionally paired with a BLOB payload. An
// empty arcname auto-assigns a sequential name, matching the original's
// anonymous-record numbering.
func (p *Writer) Push(arcname string, record map[string]interface{}, blob io.Reader) error {
	return p.push(arcname, record, blob, false)
}

// ForcePush writes a record bypassing the byte budget, the way the
// original's push(force=True) guarantees an accounting record (a
// files_commit summarizing partial progress) still lands even after a
// DiskFull has already been raised for the data it accounts for.
func (p *Writer) ForcePush(arcname string, record map[string]interface{}, blob io.Reader) error {
	return p.push(arcname, record, blob, true)
}

func (p *Writer) push(arcname string, record map[string]interface{}, blob io.Reader, force bool) error {
	if arcname == "" {
		p.fileNum++
		arcname = fmt.Sprintf("%08d", p.fileNum)
	}
	meta := map[string]interface{}{}
	for k, v := range record {
		meta[k] = v
	}
	if blob != nil {
		data, err := io.ReadAll(blob)
		if err != nil {
			return err
		}
		meta["content_type"] = "blob"
		if err := p.addFile(arcname, data, force); err != nil {
			return err
		}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return p.addFile(arcname+recordSuffix, data, force)
}

// PushRecords writes a batch of records as newline-delimited JSON under
// one arcname, as a single tar entry. When the budget runs out partway,
// the records that fit are written and ErrCodeDiskFull is returned; if
// not even the first record fits, nothing is written.
func (p *Writer) PushRecords(arcname string, records []map[string]interface{}) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	var budgetErr error
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := p.checkBudget(int64(buf.Len() + len(line) + 1)); err != nil {
			if buf.Len() == 0 {
				return err
			}
			budgetErr = err
			break
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return nil
	}
	if err := p.addFile(arcname, buf.Bytes(), false); err != nil {
		return err
	}
	meta := map[string]interface{}{"content_type": "records"}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := p.addFile(arcname+recordSuffix, data, false); err != nil {
		return err
	}
	return budgetErr
}

// Empty reports whether any record has been pushed.
func (p *Writer) Empty() bool { return p.empty }

// Close writes the header entry (skipped for an empty packet) and
// finalizes the tar (and compression) stream.
func (p *Writer) Close() error {
	if !p.empty {
		data, err := json.Marshal(p.header)
		if err != nil {
			return err
		}
		if err := p.addFile("header", data, true); err != nil {
			return err
		}
	}
	if err := p.tw.Close(); err != nil {
		return err
	}
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// Record is one decoded entry read back from an incoming packet.
type Record struct {
	Meta map[string]interface{}
	Blob []byte
}

// Reader reads an incoming packet, auto-detecting its compression tier
// from the stream's magic bytes.
type Reader struct {
	Header  map[string]interface{}
	tr      *tar.Reader
	closer  io.Closer
	entries map[string]rawEntry
}

// NewReader opens r as an incoming packet.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "cannot read packet").WithComponent("packet")
	}

	var tarSource io.Reader = br
	var closer io.Closer
	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "malformed gzip packet").WithComponent("packet")
		}
		tarSource = gz
		closer = gz
	case len(magic) >= 4 && magic[0] == 0x28 && magic[1] == 0xb5 && magic[2] == 0x2f && magic[3] == 0xfd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "malformed zstd packet").WithComponent("packet")
		}
		tarSource = zr
		closer = readCloserFunc(func() error {
			zr.Close()
			return nil
		})
	}

	p := &Reader{tr: tar.NewReader(tarSource), closer: closer}
	entries, err := p.readAll()
	if err != nil {
		return nil, err
	}
	for name, rec := range entries {
		if name == "header"+recordSuffix || name == "header" {
			var header map[string]interface{}
			if err := json.Unmarshal(rec.Blob, &header); err != nil {
				return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "malformed packet header").WithComponent("packet")
			}
			p.Header = header
		}
	}
	if p.Header == nil {
		return nil, errors.New(errors.ErrCodePacketCorrupt, "packet missing header entry").WithComponent("packet")
	}
	p.entries = entries
	return p, nil
}

type readCloserFunc func() error

func (f readCloserFunc) Close() error { return f() }

// entries caches every tar member read during NewReader, since
// archive/tar only supports forward iteration.
type rawEntry struct {
	Blob []byte
}

func (p *Reader) readAll() (map[string]rawEntry, error) {
	out := map[string]rawEntry{}
	for {
		hdr, err := p.tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "malformed tar stream").WithComponent("packet")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(p.tr)
		if err != nil {
			return nil, err
		}
		out[hdr.Name] = rawEntry{Blob: data}
	}
	return out, nil
}

// Records decodes every non-header entry into a Record, pairing blob
// content with its `.record` metadata sidecar.
func (p *Reader) Records() ([]Record, error) {
	var out []Record
	for name, entry := range p.entries {
		if name == "header" || !hasSuffix(name, recordSuffix) {
			continue
		}
		var meta map[string]interface{}
		if err := json.Unmarshal(entry.Blob, &meta); err != nil {
			return nil, errors.Wrap(errors.ErrCodePacketCorrupt, err, "malformed record").WithComponent("packet")
		}
		for k, v := range p.Header {
			if _, exists := meta[k]; !exists {
				meta[k] = v
			}
		}
		rec := Record{Meta: meta}
		base := name[:len(name)-len(recordSuffix)]
		if payload, ok := p.entries[base]; ok {
			rec.Blob = payload.Blob
		}
		out = append(out, rec)
	}
	return out, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Close releases the underlying decompressor, if any.
func (p *Reader) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
