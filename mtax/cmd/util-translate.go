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

// standard genetic code, codon index packed as a*16+b*4+c with A=0 C=1 G=2 T=3
var codonTable = []byte("KNKNTTTTRSRSIIMIQHQHPPPPRRRRLLLLEDEDAAAAGGGGVVVV*Y*YSSSS*CWCLFLF")

var complTable [256]byte

func init() {
	for i := range complTable {
		complTable[i] = 'N'
	}
	pairs := [][2]byte{
		{'A', 'T'}, {'C', 'G'}, {'G', 'C'}, {'T', 'A'}, {'U', 'A'},
	}
	for _, p := range pairs {
		complTable[p[0]] = p[1]
		complTable[p[0]+'a'-'A'] = p[1]
	}
}

func translateCodon(a, b, c byte) byte {
	ca, cb, cc := nuclCodes[a], nuclCodes[b], nuclCodes[c]
	if ca < 0 || cb < 0 || cc < 0 {
		return 'X'
	}
	return codonTable[int(ca)<<4|int(cb)<<2|int(cc)]
}

// translateToAllFrames produces the six reading frames of a nucleotide
// sequence: three forward, three from the reverse complement. Frame
// buffers are reused across reads.
func translateToAllFrames(seq []byte, frames [][]byte) [][]byte {
	for i := range frames {
		frames[i] = frames[i][:0]
	}
	if len(seq) < 3 {
		return frames
	}

	for off := 0; off < 3; off++ {
		for i := off; i+3 <= len(seq); i += 3 {
			frames[off] = append(frames[off], translateCodon(seq[i], seq[i+1], seq[i+2]))
		}
	}

	rc := make([]byte, len(seq))
	for i, b := range seq {
		rc[len(seq)-1-i] = complTable[b]
	}
	for off := 0; off < 3; off++ {
		for i := off; i+3 <= len(rc); i += 3 {
			frames[off+3] = append(frames[off+3], translateCodon(rc[i], rc[i+1], rc[i+2]))
		}
	}

	return frames
}
