package cmd

import "testing"

func scanAll(t *testing.T, s *minimizerScanner, seq string) ([]uint64, []bool) {
	t.Helper()
	s.Reset([]byte(seq))
	values := make([]uint64, 0, len(seq))
	flags := make([]bool, 0, len(seq))
	for {
		v, ambiguous, ok := s.Next()
		if !ok {
			break
		}
		values = append(values, v)
		flags = append(flags, ambiguous)
	}
	return values, flags
}

func TestScannerWindowCount(t *testing.T) {
	tests := []struct {
		seq  string
		k, l int
		want int
	}{
		{"ACGTACGTACGTACGT", 4, 4, 13},
		{"ACGTACGT", 8, 4, 1},
		{"ACGTACG", 8, 4, 0},
		{"", 4, 4, 0},
		{"ACGT", 4, 4, 1},
	}
	for _, tt := range tests {
		iopts := testIndexOptions(tt.k, tt.l)
		scanner, err := newMinimizerScanner(&iopts)
		if err != nil {
			t.Fatal(err)
		}
		values, _ := scanAll(t, scanner, tt.seq)
		if len(values) != tt.want {
			t.Errorf("seq %q k=%d l=%d: %d tokens, want %d",
				tt.seq, tt.k, tt.l, len(values), tt.want)
		}
	}
}

func TestScannerAmbiguousSpan(t *testing.T) {
	iopts := testIndexOptions(4, 4)
	scanner, err := newMinimizerScanner(&iopts)
	if err != nil {
		t.Fatal(err)
	}

	_, flags := scanAll(t, scanner, "ACGTNNNNACGT")
	// windows ending at positions 3..11: one clean, seven touching
	// an N, one clean
	want := []bool{false, true, true, true, true, true, true, true, false}
	if len(flags) != len(want) {
		t.Fatalf("%d tokens, want %d", len(flags), len(want))
	}
	for i := range want {
		if flags[i] != want[i] {
			t.Errorf("window %d: ambiguous=%v, want %v", i, flags[i], want[i])
		}
	}
}

func TestScannerRestart(t *testing.T) {
	iopts := testIndexOptions(6, 3)
	scanner, err := newMinimizerScanner(&iopts)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := scanAll(t, scanner, "ACGTACGTTGCA")
	// interleave another sequence, then rescan the first
	scanAll(t, scanner, "TTTTTTTTNNAC")
	second, _ := scanAll(t, scanner, "ACGTACGTTGCA")

	if len(first) != len(second) {
		t.Fatalf("restart changed token count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("token %d: %d vs %d after restart", i, first[i], second[i])
		}
	}
}

func TestScannerCanonical(t *testing.T) {
	iopts := testIndexOptions(4, 4)
	scanner, err := newMinimizerScanner(&iopts)
	if err != nil {
		t.Fatal(err)
	}

	seq := "ACGTTGCAGGTA"
	rc := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		rc[len(seq)-1-i] = complTable[seq[i]]
	}

	fwd, _ := scanAll(t, scanner, seq)
	rev, _ := scanAll(t, scanner, string(rc))

	if len(fwd) != len(rev) {
		t.Fatalf("strand changed token count: %d vs %d", len(fwd), len(rev))
	}
	for i := range fwd {
		if fwd[i] != rev[len(rev)-1-i] {
			t.Errorf("window %d: canonical value differs between strands", i)
		}
	}
}

func TestScannerMinimumInWindow(t *testing.T) {
	// with toggling and spaced seeds off, the emitted value must be
	// the smallest canonical l-mer of each window
	iopts := testIndexOptions(8, 4)
	scanner, err := newMinimizerScanner(&iopts)
	if err != nil {
		t.Fatal(err)
	}
	seq := "GGGGACGTGGGG"
	values, _ := scanAll(t, scanner, seq)

	single := testIndexOptions(4, 4)
	lmerScanner, err := newMinimizerScanner(&single)
	if err != nil {
		t.Fatal(err)
	}
	lmers, _ := scanAll(t, lmerScanner, seq)

	for i, v := range values {
		min := lmers[i]
		for _, u := range lmers[i : i+5] { // the 5 l-mers of window i
			if u < min {
				min = u
			}
		}
		if v != min {
			t.Errorf("window %d: got %d, want minimum %d", i, v, min)
		}
	}
}

func TestScannerParamValidation(t *testing.T) {
	bad := testIndexOptions(3, 4) // k < l
	if _, err := newMinimizerScanner(&bad); err == nil {
		t.Error("k < l accepted")
	}
	bad = testIndexOptions(64, 33) // l too wide for 2-bit codes
	if _, err := newMinimizerScanner(&bad); err == nil {
		t.Error("oversized l accepted")
	}
}
