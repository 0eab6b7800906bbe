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
	"path/filepath"
	"sync"

	"github.com/shenwei356/bio/taxdump"
	"github.com/shenwei356/util/pathutil"
)

// loadTaxonomy reads an NCBI-format taxdump directory. names.dmp is
// mandatory; merged.dmp and delnodes.dmp are optional.
func loadTaxonomy(opt *Options, path string) *taxdump.Taxonomy {
	if opt.Verbose {
		log.Infof("loading taxonomy from: %s", path)
	}
	var t *taxdump.Taxonomy
	var err error

	t, err = taxdump.NewTaxonomyWithRankFromNCBI(filepath.Join(path, "nodes.dmp"))
	if err != nil {
		checkError(fmt.Errorf("err on loading taxonomy nodes: %s", err))
	}

	if opt.Verbose {
		log.Infof("  %d nodes loaded", len(t.Nodes))
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		existed, err := pathutil.Exists(filepath.Join(path, "names.dmp"))
		if err != nil {
			checkError(fmt.Errorf("err on checking file names.dmp: %s", err))
		}
		if existed {
			err = t.LoadNamesFromNCBI(filepath.Join(path, "names.dmp"))
			if err != nil {
				checkError(fmt.Errorf("err on loading taxonomy names: %s", err))
			}
		} else {
			checkError(fmt.Errorf("names.dmp not found in: %s", path))
		}
		if opt.Verbose {
			log.Infof("  %d names loaded", len(t.Names))
		}
	}()

	go func() {
		defer wg.Done()
		existed, err := pathutil.Exists(filepath.Join(path, "delnodes.dmp"))
		if err != nil {
			checkError(fmt.Errorf("err on checking file delnodes.dmp: %s", err))
		}
		if existed {
			err = t.LoadDeletedNodesFromNCBI(filepath.Join(path, "delnodes.dmp"))
			if err != nil {
				checkError(fmt.Errorf("err on loading taxonomy deleted nodes: %s", err))
			}
			if opt.Verbose {
				log.Info("  deleted nodes loaded")
			}
		}
	}()

	go func() {
		defer wg.Done()
		existed, err := pathutil.Exists(filepath.Join(path, "merged.dmp"))
		if err != nil {
			checkError(fmt.Errorf("err on checking file merged.dmp: %s", err))
		}
		if existed {
			err = t.LoadMergedNodesFromNCBI(filepath.Join(path, "merged.dmp"))
			if err != nil {
				checkError(fmt.Errorf("err on loading taxonomy merged nodes: %s", err))
			}
			if opt.Verbose {
				log.Info("  merged nodes loaded")
			}
		}
	}()

	wg.Wait()

	t.CacheLCA()

	return t
}

// parentTaxon returns the parent of t, with the root reporting 0
// rather than itself as NCBI dumps do.
func parentTaxon(taxdb *taxdump.Taxonomy, t uint32) uint32 {
	p, ok := taxdb.Nodes[t]
	if !ok || p == t {
		return 0
	}
	return p
}

// isAncestor reports whether a is b or lies on the path from b to the root.
func isAncestor(taxdb *taxdump.Taxonomy, a uint32, b uint32) bool {
	if a == 0 || b == 0 {
		return false
	}
	if a == b {
		return true
	}
	return taxdb.LCA(a, b) == a
}
