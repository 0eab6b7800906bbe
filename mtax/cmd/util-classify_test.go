package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func classifyOne(t *testing.T, idx *indexData, opts *classifyOptions,
	s1, s2 *sequence) (uint32, string, *classificationStats, taxonCounters) {
	t.Helper()

	scanner, err := newMinimizerScanner(&idx.opts)
	if err != nil {
		t.Fatal(err)
	}
	var koss bytes.Buffer
	taxa := make([]uint32, 0, 64)
	hitCounts := make(map[uint32]uint32, 16)
	txFrames := make([][]byte, 6)
	stats := &classificationStats{}
	counters := make(taxonCounters)

	call := classifySequence(s1, s2, &koss, idx, opts, stats,
		scanner, &taxa, hitCounts, txFrames, counters)
	return call, koss.String(), stats, counters
}

func TestClassifySingleReadOneTaxon(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	read := "ACGTACGTACGTACGT"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{read: 9606})

	call, line, stats, _ := classifyOne(t, idx, &classifyOptions{},
		&sequence{header: "r1", seq: []byte(read)}, nil)

	if call != 9606 {
		t.Fatalf("call = %d, want 9606", call)
	}
	want := "C\tr1\t9606\t16\t9606:13\n"
	if line != want {
		t.Errorf("kraken line = %q, want %q", line, want)
	}
	if stats.totalClassified != 1 {
		t.Errorf("totalClassified = %d, want 1", stats.totalClassified)
	}
}

func TestClassifyNoHits(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb, nil)

	call, line, stats, _ := classifyOne(t, idx, &classifyOptions{},
		&sequence{header: "r1", seq: []byte("ACGTACGTACGTACGT")}, nil)

	if call != 0 {
		t.Fatalf("call = %d, want 0", call)
	}
	want := "U\tr1\t0\t16\t0:13\n"
	if line != want {
		t.Errorf("kraken line = %q, want %q", line, want)
	}
	if stats.totalClassified != 0 {
		t.Errorf("totalClassified = %d, want 0", stats.totalClassified)
	}
}

func TestClassifyAmbiguousRun(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb, nil)

	_, line, _, _ := classifyOne(t, idx, &classifyOptions{},
		&sequence{header: "r1", seq: []byte("ACGTNNNNACGT")}, nil)

	want := "U\tr1\t0\t12\t0:1 A:7 0:1\n"
	if line != want {
		t.Errorf("kraken line = %q, want %q", line, want)
	}
}

func TestClassifyQuickMode(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	read := "ACGTACGTACGTACGT"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{read: 9606})

	opts := &classifyOptions{QuickMode: true, MinimumHitGroups: 1}
	call, line, _, _ := classifyOne(t, idx, opts,
		&sequence{header: "r1", seq: []byte(read)}, nil)

	if call != 9606 {
		t.Fatalf("call = %d, want 9606", call)
	}
	want := "C\tr1\t9606\t16\t9606:Q\n"
	if line != want {
		t.Errorf("kraken line = %q, want %q", line, want)
	}
}

func TestClassifyPairedHitlist(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb, nil)

	opts := &classifyOptions{PairedEndProcessing: true}
	_, line, _, _ := classifyOne(t, idx, opts,
		&sequence{header: "r1/1", seq: []byte("ACGTACGT")},
		&sequence{header: "r1/2", seq: []byte("ACGTACGTACGT")})

	want := "U\tr1\t0\t8|12\t0:5 |:| 0:9\n"
	if line != want {
		t.Errorf("kraken line = %q, want %q", line, want)
	}
	if strings.Count(line, "|:|") != 1 {
		t.Errorf("expected exactly one mate separator: %q", line)
	}
}

func TestClassifyHitGroupGating(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	// a single A-homopolymer produces one minimizer value, so one hit group
	read := "AAAAAAAAAAAA"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{read: 9606})

	call, _, _, _ := classifyOne(t, idx, &classifyOptions{MinimumHitGroups: 2},
		&sequence{header: "r1", seq: []byte(read)}, nil)
	if call != 0 {
		t.Errorf("call = %d, want 0 with min-hit-groups 2", call)
	}

	call, _, _, _ = classifyOne(t, idx, &classifyOptions{MinimumHitGroups: 1},
		&sequence{header: "r1", seq: []byte(read)}, nil)
	if call != 9606 {
		t.Errorf("call = %d, want 9606 with min-hit-groups 1", call)
	}
}

func TestClassifyScientificName(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	read := "ACGTACGTACGTACGT"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{read: 9606})

	opts := &classifyOptions{PrintScientificName: true}
	_, line, _, _ := classifyOne(t, idx, opts,
		&sequence{header: "r1", seq: []byte(read)}, nil)
	if !strings.Contains(line, "Homo sapiens (taxid 9606)") {
		t.Errorf("kraken line missing scientific name: %q", line)
	}

	idx.nameMap = map[uint32]string{9606: "human"}
	_, line, _, _ = classifyOne(t, idx, opts,
		&sequence{header: "r1", seq: []byte(read)}, nil)
	if !strings.Contains(line, "human (taxid 9606)") {
		t.Errorf("kraken line ignores name map: %q", line)
	}
}

func TestClassifyCountersGatedByReport(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	read := "ACGTACGTACGTACGT"
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb,
		map[string]uint32{read: 9606})

	_, _, _, counters := classifyOne(t, idx, &classifyOptions{},
		&sequence{header: "r1", seq: []byte(read)}, nil)
	if len(counters) != 0 {
		t.Errorf("counters populated without a report file")
	}

	_, _, _, counters = classifyOne(t, idx, &classifyOptions{ReportFile: "x"},
		&sequence{header: "r1", seq: []byte(read)}, nil)
	c := counters[9606]
	if c == nil || c.reads != 1 || c.kmers == 0 {
		t.Errorf("counters not populated with a report file: %+v", c)
	}
}

func TestResolveTreeLCATie(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	hits := map[uint32]uint32{9606: 1, 9607: 1}
	for i := 0; i < 50; i++ { // the tie-break must not depend on map order
		call := resolveTree(hits, taxdb, 2, 0)
		if call != 9605 {
			t.Fatalf("call = %d, want LCA 9605", call)
		}
	}
}

func TestResolveTreeThresholdClimb(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	hits := map[uint32]uint32{9606: 2, 9605: 1}

	if call := resolveTree(hits, taxdb, 10, 0); call != 9606 {
		t.Errorf("threshold 0: call = %d, want 9606", call)
	}
	// required = 5; the clade never gathers more than 3 hits,
	// so the climb runs off the tree
	if call := resolveTree(hits, taxdb, 10, 0.5); call != 0 {
		t.Errorf("threshold 0.5: call = %d, want 0", call)
	}
	// required = 3 is satisfied at the parent
	if call := resolveTree(hits, taxdb, 10, 0.3); call != 9605 {
		t.Errorf("threshold 0.3: call = %d, want 9605", call)
	}
}

func TestResolveTreeEmptyHits(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	if call := resolveTree(map[uint32]uint32{}, taxdb, 10, 0.5); call != 0 {
		t.Errorf("call = %d, want 0 for no hits", call)
	}
}

func TestResolveTreeConfidenceMonotonicity(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	hits := map[uint32]uint32{9606: 3, 9607: 2, 9605: 1, 2: 1}
	thresholds := []float64{0, 0.2, 0.4, 0.6, 0.8, 1}
	total := 10

	prev := resolveTree(hits, taxdb, total, thresholds[0])
	for _, c := range thresholds[1:] {
		call := resolveTree(hits, taxdb, total, c)
		if prev != 0 && call != 0 && !isAncestor(taxdb, call, prev) {
			t.Errorf("threshold %.1f call %d is not an ancestor of looser call %d",
				c, call, prev)
		}
		if prev == 0 && call != 0 {
			t.Errorf("classification appeared when tightening threshold to %.1f", c)
		}
		prev = call
	}
}

func TestTrimPairInfo(t *testing.T) {
	tests := []struct{ in, want string }{
		{"read/1", "read"},
		{"read/2", "read"},
		{"read/3", "read/3"},
		{"read", "read"},
		{"/1", "/1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := trimPairInfo(tt.in); got != tt.want {
			t.Errorf("trimPairInfo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskLowQualityBases(t *testing.T) {
	s := &sequence{fastq: true, header: "r1",
		seq: []byte("ACGT"), qual: []byte("!!II")}
	if err := maskLowQualityBases(s, 10); err != nil {
		t.Fatal(err)
	}
	if string(s.seq) != "xxGT" {
		t.Errorf("masked seq = %q, want xxGT", s.seq)
	}

	fasta := &sequence{header: "r2", seq: []byte("ACGT")}
	if err := maskLowQualityBases(fasta, 10); err != nil {
		t.Fatal(err)
	}
	if string(fasta.seq) != "ACGT" {
		t.Errorf("fasta sequence modified: %q", fasta.seq)
	}

	bad := &sequence{fastq: true, header: "r3",
		seq: []byte("ACGT"), qual: []byte("!!")}
	if err := maskLowQualityBases(bad, 10); err == nil {
		t.Error("length mismatch not reported")
	}
}

func TestAddHitlistStringRoundTrip(t *testing.T) {
	taxa := []uint32{
		9606, 9606, 0, ambiguousSpanTaxon, ambiguousSpanTaxon,
		9607, matePairBorderTaxon, 9607, 9607, 0,
	}
	var buf bytes.Buffer
	addHitlistString(&buf, taxa)

	got := buf.String()
	want := "9606:2 0:1 A:2 9607:1 |:| 9607:2 0:1"
	if got != want {
		t.Fatalf("hitlist = %q, want %q", got, want)
	}

	// parse back into runs and compare with the input
	var parsed []uint32
	for _, part := range strings.Split(got, " ") {
		switch part {
		case "|:|":
			parsed = append(parsed, matePairBorderTaxon)
		case "-:-":
			parsed = append(parsed, readingFrameBorderTaxon)
		default:
			var n int
			if strings.HasPrefix(part, "A:") {
				fmt.Sscanf(part, "A:%d", &n)
				for i := 0; i < n; i++ {
					parsed = append(parsed, ambiguousSpanTaxon)
				}
			} else {
				var id uint32
				fmt.Sscanf(part, "%d:%d", &id, &n)
				for i := 0; i < n; i++ {
					parsed = append(parsed, id)
				}
			}
		}
	}
	if len(parsed) != len(taxa) {
		t.Fatalf("round trip length %d, want %d", len(parsed), len(taxa))
	}
	for i := range taxa {
		if parsed[i] != taxa[i] {
			t.Errorf("position %d: %d, want %d", i, parsed[i], taxa[i])
		}
	}
}

func TestSentinelContainment(t *testing.T) {
	taxdb := newTestTaxonomy(t)
	idx := newTestIndex(t, testIndexOptions(4, 4), taxdb, nil)

	opts := &classifyOptions{PairedEndProcessing: true}
	_, line, _, _ := classifyOne(t, idx, opts,
		&sequence{header: "r1/1", seq: []byte("ACGTNNACGT")},
		&sequence{header: "r1/2", seq: []byte("ACGTACGT")})

	for _, sentinel := range []uint32{matePairBorderTaxon, readingFrameBorderTaxon, ambiguousSpanTaxon} {
		if strings.Contains(line, fmt.Sprintf("%d", sentinel)) {
			t.Errorf("sentinel %d leaked into output: %q", sentinel, line)
		}
	}
}
