package btable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// dumpMagic = "BTBL" in bigEndian
const dumpMagic uint32 = 0x4254424C

const dumpVersion uint16 = 1

// header: magic + version + algorithm + entries + entrySize + frames
const dumpHeaderSize = 4 + 2 + 2 + 4 + 4 + 4

type CompressAlgorithm uint16

const (
	CompNone CompressAlgorithm = iota
	CompSnappy
	CompLz4
)

type Compressor func([]byte) []byte
type DeCompressor func([]byte) ([]byte, error)

var ErrBadSnapshot = errors.New("btable: bad snapshot")

func (a CompressAlgorithm) compressor() Compressor {
	switch a {
	case CompSnappy:
		return func(in []byte) []byte {
			return snappy.Encode(nil, in)
		}
	case CompLz4:
		return func(in []byte) []byte {
			buf := &bytes.Buffer{}
			writer := lz4.NewWriter(buf)
			defer writer.Close()
			writer.NoChecksum = true
			if _, err := writer.Write(in); err != nil {
				panic(err)
			}
			_ = writer.Flush()
			return buf.Bytes()
		}
	}
	return nil
}

func (a CompressAlgorithm) decompressor() DeCompressor {
	switch a {
	case CompSnappy:
		return func(in []byte) ([]byte, error) {
			return snappy.Decode(nil, in)
		}
	case CompLz4:
		return func(in []byte) ([]byte, error) {
			buf := &bytes.Buffer{}
			reader := lz4.NewReader(bytes.NewReader(in))
			_, err := buf.ReadFrom(reader)
			return buf.Bytes(), err
		}
	}
	return nil
}

// Dump writes a snapshot of the table's payload: a fixed header followed
// by one uvarint-length-prefixed frame per partition, each frame holding
// that partition's bytes, compressed when alg says so.
func (t *Table) Dump(w io.Writer, alg CompressAlgorithm) error {
	if alg > CompLz4 {
		return errors.New("btable: unknown compression algorithm")
	}
	hdr := make([]byte, dumpHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], dumpMagic)
	binary.BigEndian.PutUint16(hdr[4:], dumpVersion)
	binary.BigEndian.PutUint16(hdr[6:], uint16(alg))
	binary.BigEndian.PutUint32(hdr[8:], t.entries)
	binary.BigEndian.PutUint32(hdr[12:], t.entrySize)
	binary.BigEndian.PutUint32(hdr[16:], t.partitions)
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "failed to write snapshot header")
	}

	compress := alg.compressor()
	lenBuf := make([]byte, binary.MaxVarintLen64)
	for i := uint32(0); i < t.partitions; i++ {
		frame := t.mem[i]
		if compress != nil {
			frame = compress(frame)
		}
		n := binary.PutUvarint(lenBuf, uint64(len(frame)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			return errors.Wrapf(err, "failed to write frame %d length", i)
		}
		if _, err := w.Write(frame); err != nil {
			return errors.Wrapf(err, "failed to write frame %d", i)
		}
	}
	return nil
}

// Load rebuilds a table from a snapshot written by Dump. The table is
// allocated through the normal Alloc path with opts, so the partition
// plan follows opts, not the plan the snapshot was dumped with; frames
// are copied back by logical offset across whatever boundaries the new
// plan has.
func Load(r io.Reader, opts *Options) (*Table, error) {
	br := bufio.NewReader(r)

	hdr := make([]byte, dumpHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot header")
	}
	if binary.BigEndian.Uint32(hdr[0:]) != dumpMagic {
		return nil, ErrBadSnapshot
	}
	if binary.BigEndian.Uint16(hdr[4:]) != dumpVersion {
		return nil, errors.Wrap(ErrBadSnapshot, "unsupported snapshot version")
	}
	alg := CompressAlgorithm(binary.BigEndian.Uint16(hdr[6:]))
	if alg > CompLz4 {
		return nil, errors.Wrap(ErrBadSnapshot, "unknown compression algorithm")
	}
	entries := binary.BigEndian.Uint32(hdr[8:])
	entrySize := binary.BigEndian.Uint32(hdr[12:])
	frames := binary.BigEndian.Uint32(hdr[16:])

	t, err := Alloc(entries, entrySize, opts)
	if err != nil {
		return nil, err
	}

	decompress := alg.decompressor()
	total := t.Size()
	var offset uint64
	for i := uint32(0); i < frames; i++ {
		ln, err := binary.ReadUvarint(br)
		if err != nil {
			t.Free()
			return nil, errors.Wrapf(err, "failed to read frame %d length", i)
		}
		if ln > MaxTableSize {
			t.Free()
			return nil, errors.Wrap(ErrBadSnapshot, "oversized frame")
		}
		frame := make([]byte, ln)
		if _, err := io.ReadFull(br, frame); err != nil {
			t.Free()
			return nil, errors.Wrapf(err, "failed to read frame %d", i)
		}
		if decompress != nil {
			if frame, err = decompress(frame); err != nil {
				t.Free()
				return nil, errors.Wrapf(err, "failed to decompress frame %d", i)
			}
		}
		if offset+uint64(len(frame)) > total {
			t.Free()
			return nil, errors.Wrap(ErrBadSnapshot, "payload over table size")
		}
		t.copyIn(uint32(offset), frame)
		offset += uint64(len(frame))
	}
	if offset != total {
		t.Free()
		return nil, errors.Wrap(ErrBadSnapshot, "payload under table size")
	}
	return t, nil
}
