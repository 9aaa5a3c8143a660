// Package seq implements the disjoint-integer-range set used throughout
// meshvault for sync bookkeeping: "what I have" and "what I want" are both
// expressed as a Sequence.
package seq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// Range is a closed interval [Start, End]. End == nil means unbounded above.
type Range struct {
	Start int64
	End   *int64
}

func endVal(r Range) int64 {
	if r.End == nil {
		return int64(1)<<62 - 1
	}
	return *r.End
}

// Sequence is an ordered list of disjoint, non-adjacent closed ranges.
type Sequence struct {
	ranges []Range
}

// New builds a Sequence from the given ranges, normalizing overlaps and
// adjacency.
func New(ranges ...Range) *Sequence {
	s := &Sequence{}
	for _, r := range ranges {
		s.Include(r.Start, r.End)
	}
	return s
}

// Ranges returns the normalized range list in order.
func (s *Sequence) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Empty reports whether the sequence has no ranges.
func (s *Sequence) Empty() bool {
	return len(s.ranges) == 0
}

// First returns the lowest value covered, or 0 if empty.
func (s *Sequence) First() int64 {
	if s.Empty() {
		return 0
	}
	return s.ranges[0].Start
}

// Last returns the end of the highest range, or that range's start when it
// is unbounded above; 0 if empty.
func (s *Sequence) Last() int64 {
	if s.Empty() {
		return 0
	}
	last := s.ranges[len(s.ranges)-1]
	if last.End == nil {
		if len(s.ranges) == 1 {
			return last.Start
		}
		return last.Start
	}
	return *last.End
}

// Contains reports whether x falls within any range.
func (s *Sequence) Contains(x int64) bool {
	for _, r := range s.ranges {
		if x >= r.Start && x <= endVal(r) {
			return true
		}
		if x < r.Start {
			break
		}
	}
	return false
}

// Include unions [a,b] into the sequence, merging adjacent/overlapping
// ranges. b == nil means unbounded above.
func (s *Sequence) Include(a int64, b *int64) {
	all := append(append([]Range{}, s.ranges...), Range{Start: a, End: b})
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	s.ranges = coalesce(all)
}

func overlapsOrAdjacent(a, b Range) bool {
	return a.Start <= endVal(b)+1 && b.Start <= endVal(a)+1
}

func union(a, b Range) Range {
	start := a.Start
	if b.Start < start {
		start = b.Start
	}
	var end *int64
	if a.End == nil || b.End == nil {
		end = nil
	} else {
		e := *a.End
		if *b.End > e {
			e = *b.End
		}
		end = &e
	}
	return Range{Start: start, End: end}
}

func coalesce(rs []Range) []Range {
	if len(rs) == 0 {
		return rs
	}
	out := []Range{rs[0]}
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if overlapsOrAdjacent(*last, r) {
			*last = union(*last, r)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Exclude subtracts [a,b] from the sequence.
func (s *Sequence) Exclude(a, b int64) {
	var out []Range
	for _, r := range s.ranges {
		re := endVal(r)
		if b < r.Start || a > re {
			out = append(out, r)
			continue
		}
		if a > r.Start {
			left := a - 1
			out = append(out, Range{Start: r.Start, End: &left})
		}
		if b < re {
			right := b + 1
			var end *int64
			if r.End != nil {
				end = r.End
			}
			out = append(out, Range{Start: right, End: end})
		}
	}
	s.ranges = out
}

// Floor truncates every range's end to at most n, dropping or shrinking
// ranges that extend past it.
func (s *Sequence) Floor(n int64) {
	var out []Range
	for _, r := range s.ranges {
		if r.Start > n {
			continue
		}
		re := endVal(r)
		if re <= n {
			out = append(out, r)
			continue
		}
		end := n
		out = append(out, Range{Start: r.Start, End: &end})
	}
	s.ranges = out
}

// Clear empties the sequence.
func (s *Sequence) Clear() {
	s.ranges = nil
}

type wireRange struct {
	Start int64  `json:"0"`
	End   *int64 `json:"1"`
}

// MarshalJSON renders the sequence as a list of [start, end] pairs, end
// null meaning unbounded — matching the wire format used by the packet
// codec and sync cookies.
func (s *Sequence) MarshalJSON() ([]byte, error) {
	pairs := make([][2]interface{}, 0, len(s.ranges))
	for _, r := range s.ranges {
		var end interface{}
		if r.End != nil {
			end = *r.End
		}
		pairs = append(pairs, [2]interface{}{r.Start, end})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON parses the [start,end] pair list back into a Sequence.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var pairs [][2]*int64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	s.ranges = nil
	for _, p := range pairs {
		if p[0] == nil {
			continue
		}
		s.Include(*p[0], p[1])
	}
	return nil
}

// PersistentSequence is a Sequence durably backed by a JSON file, written
// with the temp-file-then-rename pattern used throughout meshvault's
// storage layer.
type PersistentSequence struct {
	Sequence
	path string
}

// LoadPersistentSequence loads a PersistentSequence from path, seeding it
// with deflt if the file does not yet exist.
func LoadPersistentSequence(path string, deflt ...Range) (*PersistentSequence, error) {
	ps := &PersistentSequence{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		ps.Include2(deflt...)
		return ps, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &ps.Sequence); err != nil {
		return nil, err
	}
	return ps, nil
}

// Include2 is a variadic convenience wrapper over Include for seeding
// defaults.
func (ps *PersistentSequence) Include2(ranges ...Range) {
	for _, r := range ranges {
		ps.Include(r.Start, r.End)
	}
}

// Commit fsyncs the sequence to disk via temp-file-then-rename.
func (ps *PersistentSequence) Commit() error {
	data, err := json.Marshal(&ps.Sequence)
	if err != nil {
		return err
	}
	dir := filepath.Dir(ps.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".seq-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, ps.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	if dirf, err := os.Open(dir); err == nil {
		dirf.Sync()
		dirf.Close()
	}
	return nil
}
