package cmd

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
)

// runPipeline classifies one input through processFiles with the given
// thread count and returns the kraken output.
func runPipeline(t *testing.T, idx *indexData, opts *classifyOptions,
	file1, file2 string, threads int) (string, *classificationStats, taxonCounters) {
	t.Helper()

	dir := t.TempDir()
	krakenOut := filepath.Join(dir, "out.kraken")

	o := *opts
	o.NumThreads = threads
	o.KrakenOut = krakenOut

	reader, err := newBatchReader(file1, file2, o.PairedEndProcessing, o.SingleFilePairs)
	if err != nil {
		t.Fatal(err)
	}

	sinks := &outputSinks{}
	stats := &classificationStats{}
	counters := make(taxonCounters)
	processFiles(&o, idx, reader, sinks, stats, counters)
	sinks.close()

	data, err := ioutil.ReadFile(krakenOut)
	if err != nil {
		t.Fatal(err)
	}
	return string(data), stats, counters
}

func TestPipelineOrderPreservation(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	hit := "ACGTACGTACGTACGT"
	miss := "TTTTGGGGAAAACCCC"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{hit: 9606})

	dir := t.TempDir()
	file := filepath.Join(dir, "in.fa")
	var sb strings.Builder
	n := 300
	for i := 0; i < n; i++ {
		s := hit
		if i%3 == 0 {
			s = miss
		}
		fmt.Fprintf(&sb, ">r%04d\n%s\n", i, s)
	}
	writeLines(t, file, []string{strings.TrimRight(sb.String(), "\n")})

	old := batchBlockSize
	batchBlockSize = 128 // many small batches
	defer func() { batchBlockSize = old }()

	single, singleStats, _ := runPipeline(t, idx, &classifyOptions{}, file, "", 1)

	lines := strings.Split(strings.TrimRight(single, "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("%d kraken lines, want %d", len(lines), n)
	}
	for i, line := range lines {
		if want := fmt.Sprintf("r%04d", i); !strings.Contains(line, want) {
			t.Fatalf("line %d out of order: %q", i, line)
		}
	}

	for _, threads := range []int{2, 4, 8} {
		parallel, stats, _ := runPipeline(t, idx, &classifyOptions{}, file, "", threads)
		if parallel != single {
			t.Errorf("output with %d threads differs from single-threaded output", threads)
		}
		if *stats != *singleStats {
			t.Errorf("stats with %d threads = %+v, want %+v", threads, *stats, *singleStats)
		}
	}

	// byte-identical across repeated runs
	again, _, _ := runPipeline(t, idx, &classifyOptions{}, file, "", 4)
	if again != single {
		t.Error("repeated run produced different output")
	}

	if singleStats.totalSequences != uint64(n) {
		t.Errorf("totalSequences = %d, want %d", singleStats.totalSequences, n)
	}
	if got := singleStats.totalClassified + (singleStats.totalSequences - singleStats.totalClassified); got != singleStats.totalSequences {
		t.Errorf("classified/unclassified do not partition the input")
	}
}

func TestPipelineClassifiedSinks(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	hit := "ACGTACGTACGTACGT"
	miss := "TTTTGGGGAAAACCCC"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{hit: 9606})

	dir := t.TempDir()
	file := filepath.Join(dir, "in.fa")
	writeLines(t, file, []string{
		">a\n" + hit,
		">b\n" + miss,
		">c\n" + hit,
	})

	opts := &classifyOptions{
		NumThreads:      2,
		KrakenOut:       filepath.Join(dir, "out.kraken"),
		ClassifiedOut:   filepath.Join(dir, "classified.fa"),
		UnclassifiedOut: filepath.Join(dir, "unclassified.fa"),
	}
	reader, err := newBatchReader(file, "", false, false)
	if err != nil {
		t.Fatal(err)
	}
	sinks := &outputSinks{}
	stats := &classificationStats{}
	processFiles(opts, idx, reader, sinks, stats, make(taxonCounters))
	sinks.close()

	classified, err := ioutil.ReadFile(opts.ClassifiedOut)
	if err != nil {
		t.Fatal(err)
	}
	want := ">a kraken:taxid|9606\n" + hit + "\n>c kraken:taxid|9606\n" + hit + "\n"
	if string(classified) != want {
		t.Errorf("classified sink = %q, want %q", classified, want)
	}

	unclassified, err := ioutil.ReadFile(opts.UnclassifiedOut)
	if err != nil {
		t.Fatal(err)
	}
	if string(unclassified) != ">b\n"+miss+"\n" {
		t.Errorf("unclassified sink = %q", unclassified)
	}
}

func TestPipelinePairedInterleaved(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	hit := "ACGTACGTACGTACGT"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{hit: 9606})

	dir := t.TempDir()
	file := filepath.Join(dir, "in.fa")
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, ">p%02d/1\n%s\n>p%02d/2\n%s\n", i, hit, i, hit)
	}
	writeLines(t, file, []string{strings.TrimRight(sb.String(), "\n")})

	opts := &classifyOptions{PairedEndProcessing: true, SingleFilePairs: true}
	out, stats, _ := runPipeline(t, idx, opts, file, "", 3)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("%d kraken lines, want 10", len(lines))
	}
	for i, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			t.Fatalf("line %d: %d fields: %q", i, len(fields), line)
		}
		if want := fmt.Sprintf("p%02d", i); fields[1] != want {
			t.Errorf("line %d: header %q, want %q (pair suffix trimmed)", i, fields[1], want)
		}
		if fields[3] != "16|16" {
			t.Errorf("line %d: length column %q, want 16|16", i, fields[3])
		}
		if strings.Count(fields[4], "|:|") != 1 {
			t.Errorf("line %d: expected one mate separator in %q", i, fields[4])
		}
	}
	if stats.totalSequences != 10 {
		t.Errorf("totalSequences = %d, want 10 fragments", stats.totalSequences)
	}
}

func TestPipelineEmptyInputLeavesNoFiles(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb, nil)

	dir := t.TempDir()
	file := filepath.Join(dir, "empty.fa")
	if err := ioutil.WriteFile(file, []byte{}, 0644); err != nil {
		t.Fatal(err)
	}

	opts := &classifyOptions{
		NumThreads: 2,
		KrakenOut:  filepath.Join(dir, "out.kraken"),
	}
	reader, err := newBatchReader(file, "", false, false)
	if err != nil {
		t.Fatal(err)
	}
	sinks := &outputSinks{}
	processFiles(opts, idx, reader, sinks, &classificationStats{}, make(taxonCounters))
	sinks.close()

	if _, err := ioutil.ReadFile(opts.KrakenOut); err == nil {
		t.Error("kraken output created for empty input")
	}
}

func TestSplitPairedFilename(t *testing.T) {
	f1, f2, err := splitPairedFilename("out#.fq")
	if err != nil {
		t.Fatal(err)
	}
	if f1 != "out_1.fq" || f2 != "out_2.fq" {
		t.Errorf("expansion = %q/%q", f1, f2)
	}

	if _, _, err = splitPairedFilename("out.fq"); err == nil {
		t.Error("missing # accepted")
	}
	if _, _, err = splitPairedFilename("o#ut#.fq"); err == nil {
		t.Error("duplicated # accepted")
	}
}
