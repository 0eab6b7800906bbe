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
	"fmt"
	"math"
	"strconv"

	"github.com/axiomhq/hyperloglog"
	"github.com/shenwei356/bio/taxdump"
)

// marker taxids used inside the per-read hit sequence only;
// they never reach any output or counter
const (
	matePairBorderTaxon     = math.MaxUint32
	readingFrameBorderTaxon = math.MaxUint32 - 1
	ambiguousSpanTaxon      = math.MaxUint32 - 2
)

type classificationStats struct {
	totalSequences  uint64
	totalBases      uint64
	totalClassified uint64
}

// taxonCounter tracks per-taxon read counts and the minimizers that
// supported them. The sketch makes distinct-minimizer counts mergeable
// across workers.
type taxonCounter struct {
	reads  uint64
	kmers  uint64
	sketch *hyperloglog.Sketch
}

func newTaxonCounter() *taxonCounter {
	return &taxonCounter{sketch: hyperloglog.New14()}
}

func (c *taxonCounter) addKmer(minimizer uint64) {
	c.kmers++
	c.sketch.InsertHash(hash64(minimizer))
}

func (c *taxonCounter) merge(o *taxonCounter) {
	c.reads += o.reads
	c.kmers += o.kmers
	checkError(c.sketch.Merge(o.sketch))
}

func (c *taxonCounter) distinctKmers() uint64 {
	return c.sketch.Estimate()
}

type taxonCounters map[uint32]*taxonCounter

func (tc taxonCounters) get(taxid uint32) *taxonCounter {
	c, ok := tc[taxid]
	if !ok {
		c = newTaxonCounter()
		tc[taxid] = c
	}
	return c
}

func (tc taxonCounters) mergeFrom(other taxonCounters) {
	for taxid, c := range other {
		tc.get(taxid).merge(c)
	}
}

// displayName resolves the name shown for a taxid, honoring --name-map
// overrides.
func displayName(idx *indexData, taxid uint32) string {
	if name, ok := idx.nameMap[taxid]; ok {
		return name
	}
	return idx.taxdb.Name(taxid)
}

// resolveTree picks the deepest taxon whose clade gathers the required
// share of the read's minimizers. Ties between equal rooted-path scores
// collapse to the LCA; a winner short of support climbs toward the root,
// re-summing its clade at every step, and may run off the tree entirely.
func resolveTree(hitCounts map[uint32]uint32, taxdb *taxdump.Taxonomy,
	totalMinimizers int, confidenceThreshold float64) uint32 {
	var maxTaxon uint32
	var maxScore uint32
	requiredScore := uint32(math.Ceil(confidenceThreshold * float64(totalMinimizers)))

	for taxon := range hitCounts {
		var score uint32
		for taxon2, count2 := range hitCounts {
			if isAncestor(taxdb, taxon2, taxon) {
				score += count2
			}
		}

		if score > maxScore {
			maxScore = score
			maxTaxon = taxon
		} else if score == maxScore {
			maxTaxon = taxdb.LCA(maxTaxon, taxon)
		}
	}

	// only hits at the called taxon itself count before the climb
	maxScore = hitCounts[maxTaxon]
	for maxTaxon != 0 && maxScore < requiredScore {
		maxScore = 0
		for taxon, count := range hitCounts {
			if isAncestor(taxdb, maxTaxon, taxon) {
				maxScore += count
			}
		}
		if maxScore >= requiredScore {
			return maxTaxon
		}
		maxTaxon = parentTaxon(taxdb, maxTaxon)
	}

	return maxTaxon
}

// trimPairInfo drops a trailing /1 or /2 from a read header.
func trimPairInfo(header string) string {
	n := len(header)
	if n <= 2 {
		return header
	}
	if header[n-2] == '/' && (header[n-1] == '1' || header[n-1] == '2') {
		return header[:n-2]
	}
	return header
}

// maskLowQualityBases overwrites bases under the quality cutoff with 'x'.
func maskLowQualityBases(s *sequence, minimumQualityScore int) error {
	if !s.fastq {
		return nil
	}
	if len(s.seq) != len(s.qual) {
		return fmt.Errorf("%s: sequence length (%d) != quality string length (%d)",
			s.header, len(s.seq), len(s.qual))
	}
	for i, q := range s.qual {
		if int(q-'!') < minimumQualityScore {
			s.seq[i] = 'x'
		}
	}
	return nil
}

// addHitlistString run-length encodes the per-read token sequence.
// Markers serialize as |:| and -:-, ambiguous spans as A:n.
func addHitlistString(buf *bytes.Buffer, taxa []uint32) {
	lastCode := taxa[0]
	codeCount := 1
	first := true

	flush := func(code uint32, count int) {
		if !first {
			buf.WriteByte(' ')
		}
		first = false
		switch code {
		case matePairBorderTaxon:
			buf.WriteString("|:|")
		case readingFrameBorderTaxon:
			buf.WriteString("-:-")
		case ambiguousSpanTaxon:
			buf.WriteString("A:")
			buf.WriteString(strconv.Itoa(count))
		default:
			buf.WriteString(strconv.FormatUint(uint64(code), 10))
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(count))
		}
	}

	for _, code := range taxa[1:] {
		if code == lastCode {
			codeCount++
			continue
		}
		flush(lastCode, codeCount)
		lastCode = code
		codeCount = 1
	}
	flush(lastCode, codeCount)
}

// classifySequence classifies one read or read pair, appending its
// kraken line to koss. Scratch state (scanner, taxa, hitCounts,
// txFrames) belongs to the calling worker and is cleared here.
func classifySequence(s1, s2 *sequence, koss *bytes.Buffer,
	idx *indexData, opts *classifyOptions, stats *classificationStats,
	scanner *minimizerScanner, taxa *[]uint32, hitCounts map[uint32]uint32,
	txFrames [][]byte, counters taxonCounters) uint32 {

	var call uint32
	*taxa = (*taxa)[:0]
	for k := range hitCounts {
		delete(hitCounts, k)
	}
	frameCount := 1
	if opts.UseTranslatedSearch {
		frameCount = 6
	}
	minimizerHitGroups := 0

searching:
	for mateNum := 0; mateNum < 2; mateNum++ {
		if mateNum == 1 && !opts.PairedEndProcessing {
			break
		}
		mate := s1
		if mateNum == 1 {
			mate = s2
		}

		if opts.UseTranslatedSearch {
			txFrames = translateToAllFrames(mate.seq, txFrames)
		}
		for frameIdx := 0; frameIdx < frameCount; frameIdx++ {
			if opts.UseTranslatedSearch {
				scanner.Reset(txFrames[frameIdx])
			} else {
				scanner.Reset(mate.seq)
			}

			lastMinimizer := uint64(math.MaxUint64)
			var lastTaxon uint32
			for {
				minimizer, ambiguous, ok := scanner.Next()
				if !ok {
					break
				}
				var taxon uint32
				if ambiguous {
					taxon = ambiguousSpanTaxon
				} else {
					if minimizer != lastMinimizer {
						skipLookup := false
						if idx.opts.MinimumAcceptableHashValue > 0 &&
							hash64(minimizer) < idx.opts.MinimumAcceptableHashValue {
							skipLookup = true
						}
						taxon = 0
						if !skipLookup {
							taxon = idx.hash.Get(minimizer)
						}
						lastTaxon = taxon
						lastMinimizer = minimizer
						// a hit group opens only on a database hit for a
						// fresh minimizer value
						if taxon != 0 {
							minimizerHitGroups++
							if opts.ReportFile != "" {
								counters.get(taxon).addKmer(minimizer)
							}
						}
					} else {
						taxon = lastTaxon
					}
					if taxon != 0 {
						if opts.QuickMode && minimizerHitGroups >= opts.MinimumHitGroups {
							call = taxon
							break searching
						}
						hitCounts[taxon]++
					}
				}
				*taxa = append(*taxa, taxon)
			}
			if opts.UseTranslatedSearch && frameIdx != 5 {
				*taxa = append(*taxa, readingFrameBorderTaxon)
			}
		}
		if opts.PairedEndProcessing && mateNum == 0 {
			*taxa = append(*taxa, matePairBorderTaxon)
		}
	}

	totalMinimizers := len(*taxa)
	if opts.PairedEndProcessing {
		totalMinimizers-- // the mate pair marker
	}
	if opts.UseTranslatedSearch { // the reading frame markers
		if opts.PairedEndProcessing {
			totalMinimizers -= 10
		} else {
			totalMinimizers -= 5
		}
	}
	if call == 0 { // not short-circuited by quick mode
		call = resolveTree(hitCounts, idx.taxdb, totalMinimizers, opts.ConfidenceThreshold)
	}
	// void a call made by too few minimizer groups
	if call != 0 && minimizerHitGroups < opts.MinimumHitGroups {
		call = 0
	}

	if call != 0 {
		stats.totalClassified++
		if opts.ReportFile != "" {
			counters.get(call).reads++
		}
	}

	if call != 0 {
		koss.WriteString("C\t")
	} else {
		koss.WriteString("U\t")
	}
	if !opts.PairedEndProcessing {
		koss.WriteString(s1.header)
	} else {
		koss.WriteString(trimPairInfo(s1.header))
	}
	koss.WriteByte('\t')

	if opts.PrintScientificName {
		name := "unclassified"
		if call != 0 {
			name = displayName(idx, call)
		}
		fmt.Fprintf(koss, "%s (taxid %d)", name, call)
	} else {
		koss.WriteString(strconv.FormatUint(uint64(call), 10))
	}

	koss.WriteByte('\t')
	if !opts.PairedEndProcessing {
		fmt.Fprintf(koss, "%d\t", len(s1.seq))
	} else {
		fmt.Fprintf(koss, "%d|%d\t", len(s1.seq), len(s2.seq))
	}

	if opts.QuickMode {
		fmt.Fprintf(koss, "%d:Q", call)
	} else {
		if len(*taxa) == 0 {
			koss.WriteString("0:0")
		} else {
			addHitlistString(koss, *taxa)
		}
	}

	koss.WriteByte('\n')

	return call
}
