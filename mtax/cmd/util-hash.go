// Copyright © 2023-2024 mtax authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/bmkessler/fastdiv"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/zeebo/wyhash"
	"github.com/zeebo/xxh3"
)

// file layout: 8-byte magic, capacity (uint64 LE), size (uint64 LE),
// then capacity cells of 12 bytes: minimizer (uint64 LE) + taxid (uint32 LE).
// A taxid of 0 marks an empty cell, so value 0 is not storable.
var hashMagic = [8]byte{'M', 'T', 'A', 'X', 'H', 'S', 'H', '1'}

const hashHeaderSize = 24
const hashCellSize = 12

const probeSeed = 1

// ErrHashFull occurs when inserting into a table with one free cell left.
// One cell always stays empty so that probing terminates.
var ErrHashFull = errors.New("mtax/hash: table full")

// compactHash is a read-only open-addressing minimizer-to-taxid table.
// Lookups are wait-free and safe for concurrent use.
type compactHash struct {
	capacity uint64
	size     uint64
	div      fastdiv.Uint64

	data []byte    // cells only, header excluded
	mm   mmap.MMap // set when memory-mapped
	fh   *os.File
}

// newCompactHash creates an empty in-memory table, used by tests and
// index tooling. capacity must be at least 2.
func newCompactHash(capacity uint64) *compactHash {
	if capacity < 2 {
		capacity = 2
	}
	return &compactHash{
		capacity: capacity,
		div:      fastdiv.NewUint64(capacity),
		data:     make([]byte, capacity*hashCellSize),
	}
}

func (h *compactHash) cell(i uint64) (uint64, uint32) {
	off := i * hashCellSize
	return binary.LittleEndian.Uint64(h.data[off:]),
		binary.LittleEndian.Uint32(h.data[off+8:])
}

func probe(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return wyhash.Hash(b[:], probeSeed)
}

// hash64 is the well-mixed 64-bit hash shared by the minimum-acceptable-hash
// filter and the unique-minimizer sketch. The index builder must use the
// same function when down-sampling minimizers.
func hash64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxh3.Hash(b[:])
}

// Get returns the taxid of a minimizer, 0 for absent.
func (h *compactHash) Get(key uint64) uint32 {
	i := h.div.Mod(probe(key))
	for {
		k, v := h.cell(i)
		if v == 0 {
			return 0
		}
		if k == key {
			return v
		}
		i++
		if i == h.capacity {
			i = 0
		}
	}
}

// Set inserts or overwrites a key. Only valid on tables created with
// newCompactHash.
func (h *compactHash) Set(key uint64, value uint32) error {
	if value == 0 {
		return errors.New("mtax/hash: taxid 0 not storable")
	}
	i := h.div.Mod(probe(key))
	for {
		k, v := h.cell(i)
		if v == 0 || k == key {
			if v == 0 {
				if h.size+1 >= h.capacity {
					return ErrHashFull
				}
				h.size++
			}
			off := i * hashCellSize
			binary.LittleEndian.PutUint64(h.data[off:], key)
			binary.LittleEndian.PutUint32(h.data[off+8:], value)
			return nil
		}
		i++
		if i == h.capacity {
			i = 0
		}
	}
}

// Size returns the number of stored minimizers.
func (h *compactHash) Size() uint64 { return h.size }

// WriteToFile dumps the table.
func (h *compactHash) WriteToFile(file string) error {
	w, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, file)
	}
	bw := bufio.NewWriterSize(w, BufferSize)

	var header [hashHeaderSize]byte
	copy(header[:8], hashMagic[:])
	binary.LittleEndian.PutUint64(header[8:], h.capacity)
	binary.LittleEndian.PutUint64(header[16:], h.size)
	if _, err = bw.Write(header[:]); err != nil {
		return errors.Wrap(err, file)
	}
	if _, err = bw.Write(h.data); err != nil {
		return errors.Wrap(err, file)
	}
	if err = bw.Flush(); err != nil {
		return errors.Wrap(err, file)
	}
	return w.Close()
}

// loadCompactHash opens a table file, either fully into memory or
// memory-mapped. The returned table must be Closed.
func loadCompactHash(file string, useMmap bool) (*compactHash, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}

	var header [hashHeaderSize]byte
	if _, err = io.ReadFull(fh, header[:]); err != nil {
		fh.Close()
		return nil, fmt.Errorf("fail to read hash header of %s: %s", file, err)
	}
	for i := range hashMagic {
		if header[i] != hashMagic[i] {
			fh.Close()
			return nil, fmt.Errorf("invalid mtax hash file: %s", file)
		}
	}
	capacity := binary.LittleEndian.Uint64(header[8:])
	size := binary.LittleEndian.Uint64(header[16:])
	if capacity < 2 || size >= capacity {
		fh.Close()
		return nil, fmt.Errorf("corrupted mtax hash file: %s", file)
	}

	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, errors.Wrap(err, file)
	}
	dataSize := capacity * hashCellSize
	if uint64(fi.Size()) != hashHeaderSize+dataSize {
		fh.Close()
		return nil, fmt.Errorf("truncated mtax hash file: %s", file)
	}

	h := &compactHash{
		capacity: capacity,
		size:     size,
		div:      fastdiv.NewUint64(capacity),
		fh:       fh,
	}

	if useMmap {
		h.mm, err = mmap.Map(fh, mmap.RDONLY, 0)
		if err != nil {
			fh.Close()
			return nil, errors.Wrap(err, file)
		}
		h.data = h.mm[hashHeaderSize : hashHeaderSize+dataSize]
		return h, nil
	}

	h.data = make([]byte, dataSize)
	if _, err = io.ReadFull(fh, h.data); err != nil {
		fh.Close()
		return nil, errors.Wrap(err, file)
	}
	fh.Close()
	h.fh = nil
	return h, nil
}

// Close unmaps and releases the backing file if any.
func (h *compactHash) Close() error {
	if h.mm != nil {
		if err := h.mm.Unmap(); err != nil {
			return err
		}
		h.mm = nil
	}
	if h.fh != nil {
		err := h.fh.Close()
		h.fh = nil
		return err
	}
	return nil
}
