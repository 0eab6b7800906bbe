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
	"bytes"
	"container/heap"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/shenwei356/xopen"
)

// outputBundle carries the five per-batch output strings. Bundles are
// written to the sinks strictly in batch id order.
type outputBundle struct {
	id            uint64
	kraken        string
	classified    string
	classified2   string
	unclassified  string
	unclassified2 string
}

type bundleHeap []*outputBundle

func (h bundleHeap) Len() int            { return len(h) }
func (h bundleHeap) Less(i, j int) bool  { return h[i].id < h[j].id }
func (h bundleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bundleHeap) Push(x interface{}) { *h = append(*h, x.(*outputBundle)) }
func (h *bundleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// outputSinks owns the five output destinations. Sinks open lazily on
// the first finished batch, so an empty input leaves no files behind.
// mu is the single writer lock: at most one goroutine writes at a time.
type outputSinks struct {
	mu sync.Mutex // the output lock

	initMu      sync.Mutex
	initialized bool

	kraken   *bufio.Writer // nil once initialized means silenced
	krakenGw io.WriteCloser
	krakenW  *os.File

	classified, classified2     *xopen.Writer
	unclassified, unclassified2 *xopen.Writer
}

// splitPairedFilename expands the single # of a paired filename
// template into the _1/_2 pair.
func splitPairedFilename(template string) (string, string, error) {
	switch strings.Count(template, "#") {
	case 0:
		return "", "", fmt.Errorf("paired filename format missing # character: %s", template)
	case 1:
	default:
		return "", "", fmt.Errorf("paired filename format has >1 # character: %s", template)
	}
	i := strings.IndexByte(template, '#')
	return template[:i] + "_1" + template[i+1:], template[:i] + "_2" + template[i+1:], nil
}

func openSeqSink(file string) *xopen.Writer {
	w, err := xopen.Wopen(file)
	checkOSError(err)
	return w
}

func (s *outputSinks) initialize(opts *classifyOptions) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return
	}

	if opts.ClassifiedOut != "" {
		if opts.PairedEndProcessing {
			f1, f2, err := splitPairedFilename(opts.ClassifiedOut)
			checkDataError(err)
			s.classified = openSeqSink(f1)
			s.classified2 = openSeqSink(f2)
		} else {
			s.classified = openSeqSink(opts.ClassifiedOut)
		}
	}
	if opts.UnclassifiedOut != "" {
		if opts.PairedEndProcessing {
			f1, f2, err := splitPairedFilename(opts.UnclassifiedOut)
			checkDataError(err)
			s.unclassified = openSeqSink(f1)
			s.unclassified2 = openSeqSink(f2)
		} else {
			s.unclassified = openSeqSink(opts.UnclassifiedOut)
		}
	}

	// kraken output defaults to stdout; "-" silences it
	if opts.KrakenOut != "-" {
		file := opts.KrakenOut
		if file == "" {
			file = "-"
		}
		outfh, gw, w, err := outStream(file, strings.HasSuffix(file, ".gz"), -1)
		checkOSError(err)
		s.kraken, s.krakenGw, s.krakenW = outfh, gw, w
	}

	s.initialized = true
}

// writeBundle writes the five strings in fixed sink order. The caller
// holds the output lock.
func (s *outputSinks) writeBundle(b *outputBundle) {
	if s.kraken != nil {
		s.kraken.WriteString(b.kraken)
	}
	if s.classified != nil {
		s.classified.WriteString(b.classified)
	}
	if s.classified2 != nil {
		s.classified2.WriteString(b.classified2)
	}
	if s.unclassified != nil {
		s.unclassified.WriteString(b.unclassified)
	}
	if s.unclassified2 != nil {
		s.unclassified2.WriteString(b.unclassified2)
	}
}

func (s *outputSinks) close() {
	if !s.initialized {
		return
	}
	if s.kraken != nil {
		checkError(s.kraken.Flush())
		if s.krakenGw != nil {
			checkError(s.krakenGw.Close())
		}
		if s.krakenW != os.Stdout {
			checkError(s.krakenW.Close())
		}
	}
	for _, w := range []*xopen.Writer{s.classified, s.classified2, s.unclassified, s.unclassified2} {
		if w != nil {
			checkError(w.Close())
		}
	}
}

var stderrIsTTY = isatty.IsTerminal(os.Stderr.Fd())

// processFiles drives one classification pipeline: a fixed pool of
// workers pulls numbered batches, classifies every fragment with
// worker-local scratch, and reassembles the outputs in input order.
//
// Ordering relies on the batch id min-heap plus two locks: a worker
// that pops the next due bundle acquires the output lock while still
// holding the queue lock, then releases the queue lock before writing.
// This is the only nested lock acquisition in the program.
func processFiles(opts *classifyOptions, idx *indexData, reader *batchReader,
	sinks *outputSinks, stats *classificationStats, totalCounters taxonCounters) {

	var statsLock, reportLock, queueLock sync.Mutex
	queue := bundleHeap{}
	heap.Init(&queue)
	var nextOutputID uint64

	var wg sync.WaitGroup
	for i := 0; i < opts.NumThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			scanner, err := newMinimizerScanner(&idx.opts)
			checkError(err)
			taxa := make([]uint32, 0, 1024)
			hitCounts := make(map[uint32]uint32, 64)
			txFrames := make([][]byte, 6)
			var koss, c1, c2, u1, u2 bytes.Buffer
			var threadStats classificationStats

			for {
				batch, ok := reader.next()
				if !ok {
					break
				}

				koss.Reset()
				c1.Reset()
				c2.Reset()
				u1.Reset()
				u2.Reset()
				threadStats = classificationStats{}
				counters := make(taxonCounters, 128)

				for _, pair := range batch.pairs {
					s1, s2 := pair.a, pair.b
					threadStats.totalSequences++

					if opts.MinimumQualityScore > 0 {
						checkDataError(maskLowQualityBases(s1, opts.MinimumQualityScore))
						if opts.PairedEndProcessing {
							checkDataError(maskLowQualityBases(s2, opts.MinimumQualityScore))
						}
					}

					call := classifySequence(s1, s2, &koss, idx, opts, &threadStats,
						scanner, &taxa, hitCounts, txFrames, counters)

					if call != 0 {
						tag := fmt.Sprintf(" kraken:taxid|%d", call)
						s1.header += tag
						s1.formatTo(&c1)
						if opts.PairedEndProcessing {
							s2.header += tag
							s2.formatTo(&c2)
						}
					} else {
						s1.formatTo(&u1)
						if opts.PairedEndProcessing {
							s2.formatTo(&u2)
						}
					}
					threadStats.totalBases += uint64(len(s1.seq))
					if opts.PairedEndProcessing {
						threadStats.totalBases += uint64(len(s2.seq))
					}
				}

				statsLock.Lock()
				stats.totalSequences += threadStats.totalSequences
				stats.totalBases += threadStats.totalBases
				stats.totalClassified += threadStats.totalClassified
				if stderrIsTTY {
					fmt.Fprintf(os.Stderr, "\rProcessed %d sequences (%d bp) ...",
						stats.totalSequences, stats.totalBases)
				}
				statsLock.Unlock()

				if opts.ReportFile != "" {
					reportLock.Lock()
					totalCounters.mergeFrom(counters)
					reportLock.Unlock()
				}

				sinks.initialize(opts)

				bundle := &outputBundle{
					id:            batch.id,
					kraken:        koss.String(),
					classified:    c1.String(),
					classified2:   c2.String(),
					unclassified:  u1.String(),
					unclassified2: u2.String(),
				}

				queueLock.Lock()
				heap.Push(&queue, bundle)
				queueLock.Unlock()

				// flush every bundle that is due, in id order
				for {
					queueLock.Lock()
					if queue.Len() == 0 || queue[0].id != nextOutputID {
						queueLock.Unlock()
						break
					}
					due := heap.Pop(&queue).(*outputBundle)
					nextOutputID++
					// taking the output lock commits this worker to
					// writing the popped bundle
					sinks.mu.Lock()
					queueLock.Unlock()
					sinks.writeBundle(due)
					sinks.mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
}
