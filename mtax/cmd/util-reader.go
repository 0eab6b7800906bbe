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
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
)

// fragments per batch in paired mode; unpaired mode reads
// by accumulated size instead
var fragmentsPerBatch = 10000
var batchBlockSize = 3 << 20

// sequence is one parsed read, decoupled from the fastx reader's
// reused buffers. The header excludes the leading > or @ marker.
type sequence struct {
	fastq  bool
	header string
	seq    []byte
	qual   []byte
}

func (s *sequence) formatTo(buf *bytes.Buffer) {
	if s.fastq {
		buf.Write(_mark_fastq)
		buf.WriteString(s.header)
		buf.Write(_mark_newline)
		buf.Write(s.seq)
		buf.Write(_mark_newline)
		buf.Write(_mark_plus_newline)
		buf.Write(s.qual)
		buf.Write(_mark_newline)
	} else {
		buf.Write(_mark_fasta)
		buf.WriteString(s.header)
		buf.Write(_mark_newline)
		buf.Write(s.seq)
		buf.Write(_mark_newline)
	}
}

// seqPair is one fragment: a read, plus its mate in paired mode.
type seqPair struct {
	a *sequence
	b *sequence
}

// readBatch is the unit of work handed to one worker.
type readBatch struct {
	id    uint64
	pairs []seqPair
}

// batchReader pulls numbered batches of parsed fragments from one or
// two sequence files. All pulls run under one lock so that batch ids
// are consecutive from 0 and fragments are never split across workers.
type batchReader struct {
	mu sync.Mutex

	r1, r2      *fastx.Reader
	paired      bool
	interleaved bool

	nextID uint64
	done   bool
}

func newBatchReader(file1, file2 string, paired, interleaved bool) (*batchReader, error) {
	r1, err := fastx.NewDefaultReader(file1)
	if err != nil {
		return nil, errors.Wrap(err, file1)
	}
	b := &batchReader{r1: r1, paired: paired, interleaved: interleaved}
	if paired && !interleaved {
		b.r2, err = fastx.NewDefaultReader(file2)
		if err != nil {
			return nil, errors.Wrap(err, file2)
		}
	}
	return b, nil
}

// readOne pulls and copies the next record of a stream. io.EOF marks
// a clean end; anything else is fatal for the run.
func readOne(r *fastx.Reader) (*sequence, error) {
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	s := &sequence{
		fastq:  len(record.Seq.Qual) > 0,
		header: string(record.Name),
		seq:    append([]byte(nil), record.Seq.Seq...),
	}
	if s.fastq {
		s.qual = append([]byte(nil), record.Seq.Qual...)
	}
	return s, nil
}

// next returns the next batch, or false after end of input. End of
// input latches: every subsequent call of every worker sees false.
func (b *batchReader) next() (*readBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil, false
	}

	batch := &readBatch{pairs: make([]seqPair, 0, 512)}

	switch {
	case !b.paired:
		var bases int
		for bases < batchBlockSize {
			s, err := readOne(b.r1)
			if err == io.EOF {
				b.done = true
				break
			}
			checkError(err)
			batch.pairs = append(batch.pairs, seqPair{a: s})
			bases += len(s.seq)
		}

	case b.interleaved:
		// mates come from one stream; the count stays even
		for i := 0; i < fragmentsPerBatch; i++ {
			a, err := readOne(b.r1)
			if err == io.EOF {
				b.done = true
				break
			}
			checkError(err)
			mate, err := readOne(b.r1)
			if err == io.EOF {
				b.done = true
				break
			}
			checkError(err)
			batch.pairs = append(batch.pairs, seqPair{a: a, b: mate})
		}

	default:
		for i := 0; i < fragmentsPerBatch; i++ {
			a, err := readOne(b.r1)
			if err == io.EOF {
				b.done = true
				break
			}
			checkError(err)
			mate, err := readOne(b.r2)
			if err == io.EOF {
				b.done = true
				break
			}
			checkError(err)
			batch.pairs = append(batch.pairs, seqPair{a: a, b: mate})
		}
	}

	if len(batch.pairs) == 0 {
		b.done = true
		return nil, false
	}

	batch.id = b.nextID
	b.nextID++
	return batch, true
}
