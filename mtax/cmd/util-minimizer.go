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

import "github.com/pkg/errors"

// nucleotide and amino-acid code tables, -1 for ambiguous symbols
var nuclCodes [256]int8
var protCodes [256]int8

func init() {
	for i := range nuclCodes {
		nuclCodes[i] = -1
		protCodes[i] = -1
	}
	for i, c := range "ACGT" {
		nuclCodes[c] = int8(i)
		nuclCodes[c+'a'-'A'] = int8(i)
	}
	nuclCodes['U'] = nuclCodes['T']
	nuclCodes['u'] = nuclCodes['T']
	// the stop symbol produced by translation is a valid code
	for i, c := range "ACDEFGHIKLMNPQRSTVWY*" {
		protCodes[c] = int8(i)
	}
}

const nuclBits = 2
const protBits = 5

type lmerEntry struct {
	start int // start position of the l-mer in the sequence
	cand  uint64
	key   uint64 // cand XOR toggle mask, the window ordering key
}

// minimizerScanner streams the minimizers of a sequence, one per k-mer
// window, left to right. A window containing an ambiguous symbol yields
// an ambiguous token instead of a value. Scanners are worker-local and
// restartable via Reset.
type minimizerScanner struct {
	k, l int
	dna  bool

	spacedSeedMask uint64
	toggleMask     uint64
	revcomVersion  int

	bits     uint
	lmerMask uint64

	seq       []byte
	pos       int // index of the next unread symbol
	lmer      uint64
	lmerLen   int // valid symbols accumulated since the last ambiguous one
	lastAmbig int // position of the most recent ambiguous symbol, -1 if none

	queue     []lmerEntry // window minima, keys increasing
	ambiguous bool        // state of the last emitted token
	last      uint64      // value of the last emitted minimizer
}

func newMinimizerScanner(opts *IndexOptions) (*minimizerScanner, error) {
	s := &minimizerScanner{
		k:              opts.K,
		l:              opts.L,
		dna:            opts.DNADB,
		spacedSeedMask: opts.SpacedSeedMask,
		toggleMask:     opts.ToggleMask,
		revcomVersion:  opts.RevcomVersion,
	}
	if s.dna {
		s.bits = nuclBits
	} else {
		s.bits = protBits
	}
	if s.l < 1 || s.l > 64/int(s.bits) || s.l > 31 {
		return nil, errors.Errorf("mtax/scanner: l out of range: %d", s.l)
	}
	if s.k < s.l {
		return nil, errors.Errorf("mtax/scanner: k (%d) < l (%d)", s.k, s.l)
	}
	s.lmerMask = (uint64(1) << (uint(s.l) * s.bits)) - 1
	s.queue = make([]lmerEntry, 0, s.k)
	return s, nil
}

// Reset loads a new sequence and rewinds the scanner.
func (s *minimizerScanner) Reset(seq []byte) {
	s.seq = seq
	s.pos = 0
	s.lmer = 0
	s.lmerLen = 0
	s.lastAmbig = -1
	s.queue = s.queue[:0]
	s.ambiguous = false
	s.last = 0
}

// revcompLmer reverses and complements a 2-bit packed l-mer.
func (s *minimizerScanner) revcompLmer(lmer uint64) uint64 {
	var rc uint64
	for i := 0; i < s.l; i++ {
		rc = (rc << 2) | (3 - (lmer & 3))
		lmer >>= 2
	}
	return rc
}

// candidate maps an l-mer to its canonical, masked representation.
func (s *minimizerScanner) candidate(lmer uint64) uint64 {
	cand := lmer
	if s.dna {
		if rc := s.revcompLmer(lmer); rc < cand {
			cand = rc
		}
	}
	if s.spacedSeedMask != 0 {
		cand &= s.spacedSeedMask
	}
	return cand
}

// Next advances to the next k-mer window. It returns false when the
// sequence is exhausted; otherwise the token is either an ambiguous
// span (value meaningless) or a minimizer value.
func (s *minimizerScanner) Next() (value uint64, ambiguous bool, ok bool) {
	for s.pos < len(s.seq) {
		var code int8
		if s.dna {
			code = nuclCodes[s.seq[s.pos]]
		} else {
			code = protCodes[s.seq[s.pos]]
		}
		p := s.pos
		s.pos++

		if code < 0 {
			s.lastAmbig = p
			s.lmer = 0
			s.lmerLen = 0
			s.queue = s.queue[:0]
		} else {
			s.lmer = ((s.lmer << s.bits) | uint64(code)) & s.lmerMask
			s.lmerLen++
			if s.lmerLen >= s.l {
				cand := s.candidate(s.lmer)
				key := cand ^ s.toggleMask
				for len(s.queue) > 0 && s.queue[len(s.queue)-1].key > key {
					s.queue = s.queue[:len(s.queue)-1]
				}
				s.queue = append(s.queue, lmerEntry{start: p - s.l + 1, cand: cand, key: key})
			}
		}

		if p+1 < s.k {
			continue
		}
		// a k-mer window ends at p
		winStart := p + 1 - s.k
		for len(s.queue) > 0 && s.queue[0].start < winStart {
			s.queue = s.queue[1:]
		}
		if s.lastAmbig >= winStart {
			s.ambiguous = true
			return 0, true, true
		}
		s.ambiguous = false
		s.last = s.queue[0].cand
		return s.last, false, true
	}
	return 0, false, false
}

// LastMinimizer returns the value of the most recent non-ambiguous token.
func (s *minimizerScanner) LastMinimizer() uint64 { return s.last }

// IsAmbiguous reports whether the most recent token was an ambiguous span.
func (s *minimizerScanner) IsAmbiguous() bool { return s.ambiguous }
