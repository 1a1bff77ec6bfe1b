package chain

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/bamsammich/chainmap/internal/stream"
)

// Entry is one partition of the virtual disk and the source that owns it.
// SourceOffset is the byte position of the data inside Source.Path and is
// zero for zero entries.
type Entry struct {
	Offset       uint64
	Length       uint64
	Kind         stream.Kind
	Source       stream.FileRef
	SourceOffset int64
}

// End returns the first byte past the entry.
func (e Entry) End() uint64 { return e.Offset + e.Length }

// sub narrows e to [from, to), shifting the source offset of data entries.
func (e Entry) sub(from, to uint64) Entry {
	out := e
	out.Offset = from
	out.Length = to - from
	if e.Kind == stream.KindData {
		out.SourceOffset = e.SourceOffset + int64(from-e.Offset) //nolint:gosec // G115: bounded by entry length
	}
	return out
}

func entryFromExtent(ext stream.Extent) Entry {
	return Entry{
		Offset:       ext.Offset,
		Length:       ext.Length,
		Kind:         ext.Kind,
		Source:       ext.Source,
		SourceOffset: ext.LocalOffset,
	}
}

// Map is the resolved partition of [0, Size). It is read-only after
// Resolve returns and safe for concurrent readers.
type Map struct {
	size    uint64
	entries []Entry
}

// Size is the virtual disk size covered by the map.
func (m *Map) Size() uint64 { return m.size }

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns a copy of the entries in ascending offset order.
func (m *Map) Entries() []Entry { return slices.Clone(m.entries) }

// All iterates the entries in ascending offset order.
func (m *Map) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range m.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Lookup returns the entry containing offset.
func (m *Map) Lookup(offset uint64) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].End() > offset })
	if i == len(m.entries) || m.entries[i].Offset > offset {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Validate checks that the entries are sorted, non-empty, non-overlapping
// and cover exactly [0, Size).
func (m *Map) Validate() error {
	var next uint64
	for i, e := range m.entries {
		if e.Length == 0 {
			return fmt.Errorf("entry %d at %d has zero length", i, e.Offset)
		}
		if e.Offset != next {
			return fmt.Errorf("entry %d starts at %d, want %d", i, e.Offset, next)
		}
		if e.Kind != stream.KindData && e.Kind != stream.KindZero {
			return fmt.Errorf("entry %d at %d has kind %s", i, e.Offset, e.Kind)
		}
		next = e.End()
	}
	if next != m.size {
		return fmt.Errorf("entries cover [0,%d), want [0,%d)", next, m.size)
	}
	return nil
}

// SourceSummary aggregates the bytes a single file owns in the map.
type SourceSummary struct {
	Source    stream.FileRef
	Entries   int
	DataBytes uint64
	ZeroBytes uint64
}

// Summary returns per-source totals ordered by sequence.
func (m *Map) Summary() []SourceSummary {
	bySeq := map[uint32]*SourceSummary{}
	for _, e := range m.entries {
		s, ok := bySeq[e.Source.Sequence]
		if !ok {
			s = &SourceSummary{Source: e.Source}
			bySeq[e.Source.Sequence] = s
		}
		s.Entries++
		if e.Kind == stream.KindData {
			s.DataBytes += e.Length
		} else {
			s.ZeroBytes += e.Length
		}
	}

	out := make([]SourceSummary, 0, len(bySeq))
	for _, s := range bySeq {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b SourceSummary) int {
		return cmp.Compare(a.Source.Sequence, b.Source.Sequence)
	})
	return out
}

// Resolve decodes every file of c and builds the authoritative map. The
// full backup seeds the map, with ranges it does not describe owned by it
// as zero. Each incremental then overwrites the ranges it describes, in
// sequence order.
func Resolve(ctx context.Context, c *Chain) (*Map, error) {
	files := c.files
	size := c.DiskSize()

	entries, err := seed(files[0], size)
	if err != nil {
		return nil, err
	}

	for _, ref := range files[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var incs []Entry
		for ext, err := range stream.Extents(ref) {
			if err != nil {
				return nil, err
			}
			if ext.Kind == stream.KindStop {
				continue
			}
			if ext.End() > size {
				return nil, &ChainError{
					Path:   ref.Path,
					Reason: fmt.Sprintf("extent [%d,%d) outside disk size %d", ext.Offset, ext.End(), size),
				}
			}
			incs = append(incs, entryFromExtent(ext))
		}
		entries = overlay(entries, incs)
	}

	return &Map{size: size, entries: entries}, nil
}

func seed(full stream.FileRef, size uint64) ([]Entry, error) {
	var entries []Entry
	var next uint64
	gap := func(to uint64) {
		if to > next {
			entries = append(entries, Entry{Offset: next, Length: to - next, Kind: stream.KindZero, Source: full})
		}
	}

	for ext, err := range stream.Extents(full) {
		if err != nil {
			return nil, err
		}
		if ext.Kind == stream.KindStop {
			continue
		}
		gap(ext.Offset)
		entries = append(entries, entryFromExtent(ext))
		next = ext.End()
	}
	gap(size)
	return entries, nil
}

// overlay merges sorted, non-overlapping incs over the partition base.
// base is consumed: its entries may be narrowed in place.
func overlay(base, incs []Entry) []Entry {
	if len(incs) == 0 {
		return base
	}

	out := make([]Entry, 0, len(base)+2*len(incs))
	i := 0
	for _, inc := range incs {
		for i < len(base) && base[i].End() <= inc.Offset {
			out = append(out, base[i])
			i++
		}
		if i < len(base) && base[i].Offset < inc.Offset {
			out = append(out, base[i].sub(base[i].Offset, inc.Offset))
		}
		out = append(out, inc)
		for i < len(base) && base[i].End() <= inc.End() {
			i++
		}
		if i < len(base) && base[i].Offset < inc.End() {
			base[i] = base[i].sub(inc.End(), base[i].End())
		}
	}
	return append(out, base[i:]...)
}
