package cmd

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shenwei356/bio/taxdump"
)

// a small taxonomy for tests:
//
//	1 root
//	└── 2 Eukaryota (superkingdom)
//	    └── 9605 Homo (genus)
//	        ├── 9606 Homo sapiens (species)
//	        └── 9607 Homo neanderthalensis (species)
func newTestTaxonomy(t *testing.T) *taxdump.Taxonomy {
	t.Helper()
	dir := t.TempDir()

	nodes := []string{
		"1\t|\t1\t|\tno rank\t|",
		"2\t|\t1\t|\tsuperkingdom\t|",
		"9605\t|\t2\t|\tgenus\t|",
		"9606\t|\t9605\t|\tspecies\t|",
		"9607\t|\t9605\t|\tspecies\t|",
	}
	names := []string{
		"1\t|\troot\t|\t\t|\tscientific name\t|",
		"2\t|\tEukaryota\t|\t\t|\tscientific name\t|",
		"9605\t|\tHomo\t|\t\t|\tscientific name\t|",
		"9606\t|\tHomo sapiens\t|\t\t|\tscientific name\t|",
		"9607\t|\tHomo neanderthalensis\t|\t\t|\tscientific name\t|",
	}
	writeLines(t, filepath.Join(dir, "nodes.dmp"), nodes)
	writeLines(t, filepath.Join(dir, "names.dmp"), names)

	taxdb, err := taxdump.NewTaxonomyWithRankFromNCBI(filepath.Join(dir, "nodes.dmp"))
	if err != nil {
		t.Fatalf("loading test taxonomy: %s", err)
	}
	if err = taxdb.LoadNamesFromNCBI(filepath.Join(dir, "names.dmp")); err != nil {
		t.Fatalf("loading test names: %s", err)
	}
	taxdb.CacheLCA()
	return taxdb
}

func writeLines(t *testing.T, file string, lines []string) {
	t.Helper()
	if err := ioutil.WriteFile(file, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func testIndexOptions(k, l int) IndexOptions {
	return IndexOptions{
		Version:       IndexOptionsVersion,
		K:             k,
		L:             l,
		DNADB:         true,
		RevcomVersion: 1,
	}
}

// scanMinimizers collects the distinct minimizer values of a sequence.
func scanMinimizers(t *testing.T, iopts *IndexOptions, s string) []uint64 {
	t.Helper()
	scanner, err := newMinimizerScanner(iopts)
	if err != nil {
		t.Fatal(err)
	}
	scanner.Reset([]byte(s))
	seen := make(map[uint64]bool)
	values := make([]uint64, 0, len(s))
	for {
		v, ambiguous, ok := scanner.Next()
		if !ok {
			break
		}
		if ambiguous || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	return values
}

// newTestIndex builds an in-memory index bundle mapping every minimizer
// of the given sequences to one taxid.
func newTestIndex(t *testing.T, iopts IndexOptions, taxdb *taxdump.Taxonomy,
	assignments map[string]uint32) *indexData {
	t.Helper()
	h := newCompactHash(1024)
	for s, taxid := range assignments {
		for _, v := range scanMinimizers(t, &iopts, s) {
			if err := h.Set(v, taxid); err != nil {
				t.Fatal(err)
			}
		}
	}
	return &indexData{opts: iopts, taxdb: taxdb, hash: h}
}
