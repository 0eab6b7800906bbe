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
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/taxdump"
	"github.com/shenwei356/breader"
	"gopkg.in/yaml.v2"
)

// IndexOptionsVersion is the version of the index metadata record.
const IndexOptionsVersion = 1

// ErrIndexVersionMismatch indicates mismatched metadata version
var ErrIndexVersionMismatch = errors.New("mtax/index: version mismatch")

// IndexOptions is the metadata record of an index, stored next to the
// hash file. All scanner parameters live here so that classification
// reproduces exactly the minimizers the index was built from.
type IndexOptions struct {
	Version int    `yaml:"version"`
	Alias   string `yaml:"alias"`

	K              int    `yaml:"k"`
	L              int    `yaml:"l"`
	SpacedSeedMask uint64 `yaml:"spaced-seed-mask"`
	ToggleMask     uint64 `yaml:"toggle-mask"`
	DNADB          bool   `yaml:"dna-db"`
	RevcomVersion  int    `yaml:"revcom-version"`

	// minimizers whose hash64 falls below this value were not indexed;
	// 0 disables the filter
	MinimumAcceptableHashValue uint64 `yaml:"min-acceptable-hash"`

	Entries uint64   `yaml:"entries"`
	Files   []string `yaml:"files"`
}

func (i IndexOptions) String() string {
	db := "dna"
	if !i.DNADB {
		db = "protein"
	}
	return fmt.Sprintf("mtax index (v%d): %s, k: %d, l: %d, type: %s, entries: %s",
		i.Version, i.Alias, i.K, i.L, db, humanize.Comma(int64(i.Entries)))
}

// IndexOptionsFromFile reads the metadata record.
func IndexOptionsFromFile(file string) (IndexOptions, error) {
	info := IndexOptions{}

	data, err := ioutil.ReadFile(file)
	if err != nil {
		return info, fmt.Errorf("fail to read mtax index metadata file: %s", file)
	}

	err = yaml.Unmarshal(data, &info)
	if err != nil {
		return info, fmt.Errorf("fail to unmarshal mtax index metadata")
	}

	if info.Version != IndexOptionsVersion {
		return info, ErrIndexVersionMismatch
	}
	return info, nil
}

// WriteTo dumps the metadata record to file.
func (i IndexOptions) WriteTo(file string) (int, error) {
	data, err := yaml.Marshal(i)
	if err != nil {
		return 0, fmt.Errorf("fail to marshal index metadata")
	}

	w, err := os.Create(file)
	if err != nil {
		return 0, fmt.Errorf("fail to write mtax index metadata file: %s", file)
	}
	var n int
	n, err = w.Write(data)
	if err != nil {
		return 0, fmt.Errorf("fail to write mtax index metadata file: %s", file)
	}

	return n, w.Close()
}

// indexData bundles everything classification reads but never writes:
// the scanner parameters, the taxonomy tree and the minimizer hash.
// One bundle is shared by all workers without synchronization.
type indexData struct {
	opts    IndexOptions
	taxdb   *taxdump.Taxonomy
	hash    *compactHash
	nameMap map[uint32]string
}

func (idx *indexData) Close() error {
	return idx.hash.Close()
}

// loadIndexData stats and loads the three mandatory files of a classify
// run. Missing files are OS errors, per the original classifier.
func loadIndexData(opt *Options, copts *classifyOptions) *indexData {
	for _, file := range []string{copts.OptionsFile, copts.IndexFile} {
		if _, err := os.Stat(file); err != nil {
			checkOSError(fmt.Errorf("unable to stat %s: %s", file, err))
		}
	}
	if _, err := os.Stat(copts.TaxonomyDir); err != nil {
		checkOSError(fmt.Errorf("unable to stat %s: %s", copts.TaxonomyDir, err))
	}

	if opt.Verbose {
		log.Info("loading database information ...")
	}
	timeStart := time.Now()

	idxOpts, err := IndexOptionsFromFile(copts.OptionsFile)
	checkError(errors.Wrap(err, copts.OptionsFile))

	// the index decides between nucleotide and translated search
	copts.UseTranslatedSearch = !idxOpts.DNADB

	taxdb := loadTaxonomy(opt, copts.TaxonomyDir)

	hash, err := loadCompactHash(copts.IndexFile, copts.UseMemoryMapping)
	checkError(err)
	if opt.Verbose {
		log.Infof("  %s minimizers loaded (mmap: %v)",
			humanize.Comma(int64(hash.Size())), copts.UseMemoryMapping)
	}

	var nameMap map[uint32]string
	if copts.NameMapFile != "" {
		nameMap, err = loadNameMap(copts.NameMapFile, copts.NumThreads)
		checkError(errors.Wrap(err, copts.NameMapFile))
		if opt.Verbose {
			log.Infof("  %d name mappings loaded", len(nameMap))
		}
	}

	if opt.Verbose {
		log.Infof("database loaded in %s", time.Since(timeStart))
	}

	return &indexData{opts: idxOpts, taxdb: taxdb, hash: hash, nameMap: nameMap}
}

// loadNameMap reads a two-column TSV of taxid and display name,
// used to override taxonomy names in output.
func loadNameMap(file string, threads int) (map[uint32]string, error) {
	type taxid2name struct {
		taxid uint32
		name  string
	}

	fn := func(line string) (interface{}, bool, error) {
		if len(line) == 0 || line[0] == '#' {
			return nil, false, nil
		}
		items := stringSplitNTrimmed(line, "\t", 2)
		if len(items) < 2 || items[0] == "" || items[1] == "" {
			return nil, false, nil
		}
		id, err := strconv.ParseUint(items[0], 10, 32)
		if err != nil {
			return nil, false, fmt.Errorf("invalid taxid: %s", items[0])
		}
		return taxid2name{uint32(id), items[1]}, true, nil
	}

	reader, err := breader.NewBufferedReader(file, threads, 1000, fn)
	if err != nil {
		return nil, err
	}

	m := make(map[uint32]string, mapInitSize)
	for chunk := range reader.Ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		for _, data := range chunk.Data {
			t2n := data.(taxid2name)
			m[t2n.taxid] = t2n.name
		}
	}
	return m, nil
}
