// Package btable implements big tables: logically contiguous tables of
// fixed-size entries backed by multiple physically separate chunks. Page
// allocators typically refuse single allocations beyond a few megabytes,
// so any table bigger than that ceiling has to be stitched together from
// several chunks while callers keep addressing it through one flat byte
// offset space. Basically, a two level table.
//
// The discontiguous chunks of memory are seen as partitions, and hence
// the nomenclature.
package btable

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// SingleAllocLimit is the largest chunk requested from the page
	// allocator in one call.
	SingleAllocLimit uint32 = 4 << 20

	// MaxPartitions bounds the partition array capacity and the linear
	// scan in GetAddress.
	MaxPartitions uint32 = 16

	// MaxTableSize is the sanity ceiling on entries * entrySize.
	MaxTableSize uint64 = 1 << 30
)

var (
	ErrZeroEntries       = errors.New("btable: zero entries")
	ErrZeroEntrySize     = errors.New("btable: zero entry size")
	ErrTableTooBig       = errors.New("btable: table size over limit")
	ErrTooManyPartitions = errors.New("btable: partition count over limit")
	// a multi-partition table with an entry size that does not divide the
	// chunk limit would let the last entry of a chunk run past the end of
	// its allocation
	ErrEntrySize = errors.New("btable: entry size does not divide chunk limit")
)

// Options represents the options that can be set when allocating a table.
// Zero-valued fields fall back to the package defaults; MaxPartitions can
// only be lowered, never raised past the compiled-in array capacity.
type Options struct {
	SingleAllocLimit uint32
	MaxPartitions    uint32
	MaxTableSize     uint64

	// Allocator supplies the chunks backing each partition. Defaults to
	// anonymous mmap.
	Allocator PageAllocator
}

var DefaultOptions = &Options{
	SingleAllocLimit: SingleAllocLimit,
	MaxPartitions:    MaxPartitions,
	MaxTableSize:     MaxTableSize,
	Allocator:        MmapAllocator{},
}

// Partition describes one chunk's slice of the flat offset space.
type Partition struct {
	// Offset is the starting logical byte offset, relative to the table.
	Offset uint32
	// Size is the number of bytes physically backing this partition.
	Size uint32
}

// Table is a logically contiguous table of entries * entrySize bytes.
// All partitions except possibly the last are exactly the chunk limit;
// the last holds the remainder. Partitions are contiguous in offset
// space and no entry ever straddles two of them.
//
// Alloc, Free and Load must be serialized externally per table. Get,
// GetAddress, GetPartition and Dump only read post-construction state
// and are safe for any number of concurrent callers as long as no Free
// is in flight.
type Table struct {
	entries   uint32
	entrySize uint32
	// partitions in use; info/mem slots past this are zero
	partitions uint32

	info [MaxPartitions]Partition
	mem  [MaxPartitions][]byte

	alloc PageAllocator
}

// Alloc builds a table of entries * entrySize bytes, splitting it into
// as many chunks as the single-allocation limit requires. Either every
// chunk is allocated and the table returned live, or nothing is retained
// and an error comes back; there is no partially built table.
func Alloc(entries, entrySize uint32, opts *Options) (*Table, error) {
	if entries == 0 {
		return nil, ErrZeroEntries
	}
	if entrySize == 0 {
		return nil, ErrZeroEntrySize
	}
	if opts == nil {
		opts = DefaultOptions
	}
	limit := opts.SingleAllocLimit
	if limit == 0 {
		limit = SingleAllocLimit
	}
	maxParts := opts.MaxPartitions
	if maxParts == 0 || maxParts > MaxPartitions {
		maxParts = MaxPartitions
	}
	maxTotal := opts.MaxTableSize
	if maxTotal == 0 || maxTotal > MaxTableSize {
		maxTotal = MaxTableSize
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = MmapAllocator{}
	}

	// 64-bit on purpose: entries * entrySize overflows uint32 well below
	// the sanity ceiling
	total := uint64(entries) * uint64(entrySize)
	if total > maxTotal {
		return nil, ErrTableTooBig
	}

	numParts := uint32(total / uint64(limit))
	remainder := uint32(total % uint64(limit))
	need := numParts
	if remainder != 0 {
		need++
	}
	if need > maxParts {
		return nil, ErrTooManyPartitions
	}
	if numParts > 0 && limit%entrySize != 0 {
		return nil, ErrEntrySize
	}

	t := &Table{entries: entries, entrySize: entrySize, alloc: alloc}
	var offset uint32
	for i := uint32(0); i < numParts; i++ {
		mem, err := alloc.Alloc(limit)
		if err != nil {
			t.Free()
			return nil, errors.Wrapf(err, "btable: partition %d alloc failed", i)
		}
		t.mem[i] = mem
		t.info[i] = Partition{Offset: offset, Size: limit}
		offset += limit
		t.partitions++
	}
	if remainder != 0 {
		mem, err := alloc.Alloc(remainder)
		if err != nil {
			t.Free()
			return nil, errors.Wrapf(err, "btable: partition %d alloc failed", t.partitions)
		}
		t.mem[t.partitions] = mem
		t.info[t.partitions] = Partition{Offset: offset, Size: remainder}
		t.partitions++
	}

	return t, nil
}

// Free releases every chunk backing the table. Safe on a nil table.
// The table handle must not be used afterwards.
func (t *Table) Free() {
	if t == nil {
		return
	}
	for i := range t.mem {
		if t.mem[i] == nil {
			continue
		}
		if err := t.alloc.Free(t.mem[i]); err != nil {
			log.Printf("btable: partition %d free error: %s", i, err)
		}
		t.mem[i] = nil
	}
	t.partitions = 0
}

// GetPartition returns the descriptor at index, bounded by the array
// capacity rather than the in-use count; slots past Partitions() read as
// zeroed descriptors. Returns nil past the capacity.
func (t *Table) GetPartition(index uint32) *Partition {
	if index >= MaxPartitions {
		return nil
	}
	return &t.info[index]
}

// GetAddress resolves a logical byte offset to the memory backing it.
// The returned slice runs from the offset to the end of the owning
// partition. Returns nil when the offset is outside the table; that is
// a caller bug, not a runtime condition.
func (t *Table) GetAddress(offset uint32) []byte {
	for i := uint32(0); i < t.partitions; i++ {
		p := &t.info[i]
		if offset >= p.Offset && offset < p.Offset+p.Size {
			return t.mem[i][offset-p.Offset:]
		}
	}
	return nil
}

// Get returns the memory of entry index. Entries never straddle a
// partition boundary, so the slice is always fully backed. Returns nil
// when index is out of range.
func (t *Table) Get(index uint32) []byte {
	if index >= t.entries {
		return nil
	}
	mem := t.GetAddress(index * t.entrySize)
	if mem == nil {
		return nil
	}
	return mem[:t.entrySize:t.entrySize]
}

// Entries returns the entry count the table was allocated with.
func (t *Table) Entries() uint32 { return t.entries }

// EntrySize returns the fixed per-entry size in bytes.
func (t *Table) EntrySize() uint32 { return t.entrySize }

// Partitions returns the number of partitions in use.
func (t *Table) Partitions() uint32 { return t.partitions }

// Size returns the total logical size in bytes.
func (t *Table) Size() uint64 {
	return uint64(t.entries) * uint64(t.entrySize)
}

// copyIn copies data into the table starting at a logical offset,
// crossing partition boundaries as needed. The caller guarantees the
// range fits.
func (t *Table) copyIn(offset uint32, data []byte) {
	for len(data) > 0 {
		n := copy(t.GetAddress(offset), data)
		data = data[n:]
		offset += uint32(n)
	}
}
