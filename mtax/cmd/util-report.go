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
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/shenwei356/bio/taxdump"
	"github.com/shenwei356/xopen"
	"github.com/twotwotwo/sorts/sortutil"
)

// reportStats writes the end-of-run throughput summary to stderr,
// rewriting the progress line on a terminal.
func reportStats(elapsed time.Duration, stats *classificationStats) {
	seconds := elapsed.Seconds()
	totalUnclassified := stats.totalSequences - stats.totalClassified

	if stderrIsTTY {
		fmt.Fprint(os.Stderr, "\r")
	}
	fmt.Fprintf(os.Stderr,
		"%d sequences (%.2f Mbp) processed in %.3fs (%.1f Kseq/m, %.2f Mbp/m).\n",
		stats.totalSequences,
		float64(stats.totalBases)/1e6,
		seconds,
		float64(stats.totalSequences)/1e3/(seconds/60),
		float64(stats.totalBases)/1e6/(seconds/60))
	fmt.Fprintf(os.Stderr, "  %d sequences classified (%.2f%%)\n",
		stats.totalClassified,
		float64(stats.totalClassified)*100/float64(stats.totalSequences))
	fmt.Fprintf(os.Stderr, "  %d sequences unclassified (%.2f%%)\n",
		totalUnclassified,
		float64(totalUnclassified)*100/float64(stats.totalSequences))
}

const rootTaxon uint32 = 1

// childIndex builds sorted child lists from the parent pointers.
func childIndex(taxdb *taxdump.Taxonomy) map[uint32][]uint32 {
	children := make(map[uint32][]uint32, len(taxdb.Nodes))
	for child, parent := range taxdb.Nodes {
		if child == parent {
			continue
		}
		children[parent] = append(children[parent], child)
	}
	for _, c := range children {
		sortutil.Uint32s(c)
	}
	return children
}

// cladeAggregate is the rolled-up state of one taxon's subtree.
type cladeAggregate struct {
	reads  uint64
	kmers  uint64
	sketch *hyperloglog.Sketch
}

// rollUpClades sums read and minimizer counters bottom-up over the
// tree. Sketches are cloned before merging so per-taxon state stays
// intact.
func rollUpClades(taxdb *taxdump.Taxonomy, children map[uint32][]uint32,
	counters taxonCounters, kmerData bool) map[uint32]*cladeAggregate {

	clades := make(map[uint32]*cladeAggregate, len(counters)*4)

	var walk func(taxid uint32) *cladeAggregate
	walk = func(taxid uint32) *cladeAggregate {
		agg := &cladeAggregate{}
		if c, ok := counters[taxid]; ok {
			agg.reads = c.reads
			agg.kmers = c.kmers
			if kmerData {
				agg.sketch = c.sketch.Clone()
			}
		}
		for _, child := range children[taxid] {
			sub := walk(child)
			agg.reads += sub.reads
			agg.kmers += sub.kmers
			if kmerData && sub.sketch != nil {
				if agg.sketch == nil {
					agg.sketch = sub.sketch.Clone()
				} else {
					checkError(agg.sketch.Merge(sub.sketch))
				}
			}
		}
		clades[taxid] = agg
		return agg
	}
	walk(rootTaxon)

	return clades
}

func (a *cladeAggregate) distinctKmers() uint64 {
	if a.sketch == nil {
		return 0
	}
	return a.sketch.Estimate()
}

// primary rank codes of the kraken-style report; other ranks inherit
// the nearest ranked ancestor's code plus a depth offset
var rankCodeMap = map[string]byte{
	"superkingdom": 'D',
	"domain":       'D',
	"kingdom":      'K',
	"phylum":       'P',
	"class":        'C',
	"order":        'O',
	"family":       'F',
	"genus":        'G',
	"species":      'S',
}

func formatRankCode(code byte, offset int) string {
	if offset == 0 {
		return string(code)
	}
	return fmt.Sprintf("%c%d", code, offset)
}

func percentage(count, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) * 100 / float64(total)
}

// sortChildrenByCladeReads orders a child list by clade reads
// descending, ties by taxid ascending, for a deterministic report.
func sortChildrenByCladeReads(children []uint32, clades map[uint32]*cladeAggregate) []uint32 {
	ordered := append([]uint32(nil), children...)
	sort.SliceStable(ordered, func(i, j int) bool {
		var ri, rj uint64
		if a, ok := clades[ordered[i]]; ok {
			ri = a.reads
		}
		if a, ok := clades[ordered[j]]; ok {
			rj = a.reads
		}
		if ri != rj {
			return ri > rj
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}

// writeKrakenStyleReport emits the depth-first clade report: one line
// per taxon with percentage, clade reads, self reads, optional
// minimizer counts, rank code, taxid and indented name.
func writeKrakenStyleReport(outfh *xopen.Writer, idx *indexData,
	counters taxonCounters, totalSequences uint64,
	zeroCounts, kmerData bool) {

	taxdb := idx.taxdb
	children := childIndex(taxdb)
	clades := rollUpClades(taxdb, children, counters, kmerData)

	totalClassified := uint64(0)
	if agg, ok := clades[rootTaxon]; ok {
		totalClassified = agg.reads
	}
	totalUnclassified := totalSequences - totalClassified

	if totalUnclassified != 0 || zeroCounts {
		fmt.Fprintf(outfh, "%6.2f\t%d\t%d", percentage(totalUnclassified, totalSequences),
			totalUnclassified, totalUnclassified)
		if kmerData {
			outfh.WriteString("\t0\t0")
		}
		outfh.WriteString("\tU\t0\tunclassified\n")
	}

	var dfs func(taxid uint32, code byte, offset, depth int)
	dfs = func(taxid uint32, code byte, offset, depth int) {
		agg := clades[taxid]
		if agg == nil || (agg.reads == 0 && !zeroCounts) {
			return
		}

		rank := taxdb.Rank(taxid)
		if c, ok := rankCodeMap[rank]; ok {
			code, offset = c, 0
		} else if taxid == rootTaxon {
			code, offset = 'R', 0
		} else {
			offset++
		}

		var self uint64
		if c, ok := counters[taxid]; ok {
			self = c.reads
		}

		fmt.Fprintf(outfh, "%6.2f\t%d\t%d", percentage(agg.reads, totalSequences),
			agg.reads, self)
		if kmerData {
			fmt.Fprintf(outfh, "\t%d\t%d", agg.kmers, agg.distinctKmers())
		}
		fmt.Fprintf(outfh, "\t%s\t%d\t%s%s\n",
			formatRankCode(code, offset), taxid,
			strings.Repeat("  ", depth), displayName(idx, taxid))

		for _, child := range sortChildrenByCladeReads(children[taxid], clades) {
			dfs(child, code, offset, depth+1)
		}
	}
	dfs(rootTaxon, 'R', 0, 0)
}

// lineage prefixes of the MPA-style report
var mpaPrefixMap = map[string]string{
	"superkingdom": "d__",
	"domain":       "d__",
	"kingdom":      "k__",
	"phylum":       "p__",
	"class":        "c__",
	"order":        "o__",
	"family":       "f__",
	"genus":        "g__",
	"species":      "s__",
}

// writeMpaStyleReport emits one line per ranked taxon with at least one
// clade read (all taxa with -z): the |-joined ranked lineage and the
// clade read count.
func writeMpaStyleReport(outfh *xopen.Writer, idx *indexData,
	counters taxonCounters, zeroCounts bool) {

	taxdb := idx.taxdb
	children := childIndex(taxdb)
	clades := rollUpClades(taxdb, children, counters, false)

	lineage := make([]string, 0, 16)

	var dfs func(taxid uint32)
	dfs = func(taxid uint32) {
		agg := clades[taxid]
		if agg == nil || (agg.reads == 0 && !zeroCounts) {
			return
		}

		prefix, ranked := mpaPrefixMap[taxdb.Rank(taxid)]
		if ranked {
			lineage = append(lineage, prefix+displayName(idx, taxid))
			fmt.Fprintf(outfh, "%s\t%d\n", strings.Join(lineage, "|"), agg.reads)
		}

		for _, child := range sortChildrenByCladeReads(children[taxid], clades) {
			dfs(child)
		}

		if ranked {
			lineage = lineage[:len(lineage)-1]
		}
	}
	dfs(rootTaxon)
}
