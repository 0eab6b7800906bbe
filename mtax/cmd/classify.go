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
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/xopen"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// classifyOptions mirrors the command surface of the classifier.
type classifyOptions struct {
	IndexFile    string
	TaxonomyDir  string
	OptionsFile  string
	ReportFile   string
	NameMapFile  string

	ClassifiedOut   string
	UnclassifiedOut string
	KrakenOut       string

	MpaStyleReport      bool
	ReportKmerData      bool
	QuickMode           bool
	ReportZeroCounts    bool
	UseTranslatedSearch bool
	PrintScientificName bool

	ConfidenceThreshold float64
	NumThreads          int

	PairedEndProcessing bool
	SingleFilePairs     bool

	MinimumQualityScore int
	MinimumHitGroups    int

	UseMemoryMapping bool
	DaemonMode       bool

	Files []string
}

var classifyCmd = &cobra.Command{
	Use:   "classify [flags] <fasta/fastq file(s)>",
	Short: "Classify sequences against a minimizer index",
	Long: `Classify sequences against a minimizer index

Attentions:
  1. Input should be (gzipped) FASTA or FASTQ from files or stdin.
  2. Paired reads come either from two parallel files (-P) or
     interleaved from one file (-S).
  3. The per-read output keeps the input order for any -p value.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)

		var fhLog *os.File
		if opt.Log2File {
			fhLog = addLog(opt.LogFile, opt.Verbose)
		}
		timeStart := time.Now()
		defer func() {
			if opt.Verbose || opt.Log2File {
				log.Info()
				log.Infof("elapsed time: %s", time.Since(timeStart))
			}
			if opt.Log2File {
				fhLog.Close()
			}
		}()

		copts, err := classifyOptionsFrom(cmd.Flags(), args)
		checkUsageError(err)

		if copts.DaemonMode {
			runDaemon(opt, copts)
			return
		}

		idx := loadIndexData(opt, copts)
		runClassify(opt, copts, idx)
		checkError(idx.Close())
	},
}

func init() {
	RootCmd.AddCommand(classifyCmd)
	classifyFlags(classifyCmd.Flags())
}

// classifyFlags registers the classify flag set. The daemon reuses it
// to parse request lines, so registration stays separate from cobra.
func classifyFlags(fs *pflag.FlagSet) {
	fs.StringP("index", "H", "", `minimizer hash file (mandatory)`)
	fs.StringP("taxonomy", "t", "", `NCBI-format taxdump directory (mandatory)`)
	fs.StringP("options", "o", "", `index metadata file (mandatory)`)

	fs.BoolP("quick", "q", false, `quick mode, accept the first taxon reaching -g hit groups`)
	fs.BoolP("mmap", "M", false, `memory-map the minimizer hash instead of loading it`)
	fs.Float64P("confidence", "T", 0, `confidence score threshold in [0, 1]`)
	fs.IntP("threads", "p", 1, `number of worker threads`)
	fs.IntP("min-quality", "Q", 0, `minimum quality score (FASTQ only), bases below are masked`)
	fs.IntP("min-hit-groups", "g", 0, `minimum number of hit groups needed for a call`)

	fs.BoolP("paired", "P", false, `process pairs of reads from two parallel files`)
	fs.BoolP("single-file-pairs", "S", false, `process pairs with mates interleaved in one file`)

	fs.StringP("report", "R", "", `write a taxon report to this file`)
	fs.BoolP("mpa-style", "m", false, `with -R, use mpa-style report`)
	fs.BoolP("report-zero-counts", "z", false, `with -R, report taxa with zero count`)
	fs.BoolP("report-minimizer-data", "K", false, `with -R, add minimizer columns to the report`)
	fs.BoolP("scientific-name", "n", false, `print scientific name instead of taxid in kraken output`)
	fs.StringP("name-map", "N", "", `two-column TSV overriding taxon display names`)

	fs.StringP("classified-out", "C", "", `file for classified sequences ("#" expands to _1/_2 when paired)`)
	fs.StringP("unclassified-out", "U", "", `file for unclassified sequences ("#" expands to _1/_2 when paired)`)
	fs.StringP("kraken-out", "O", "", `file for per-read kraken lines (default stdout, "-" to silence)`)

	fs.BoolP("daemon", "D", false, `serve classify requests over named pipes`)
}

// classifyOptionsFrom validates the parsed flag set. All failures here
// are usage errors.
func classifyOptionsFrom(fs *pflag.FlagSet, args []string) (*classifyOptions, error) {
	copts := &classifyOptions{}
	var err error

	getString := func(name string) string {
		v, _ := fs.GetString(name)
		return v
	}
	getBool := func(name string) bool {
		v, _ := fs.GetBool(name)
		return v
	}
	getInt := func(name string) int {
		v, _ := fs.GetInt(name)
		return v
	}

	copts.IndexFile = getString("index")
	copts.TaxonomyDir = getString("taxonomy")
	copts.OptionsFile = getString("options")
	copts.ReportFile = getString("report")
	copts.NameMapFile = getString("name-map")
	copts.ClassifiedOut = getString("classified-out")
	copts.UnclassifiedOut = getString("unclassified-out")
	copts.KrakenOut = getString("kraken-out")

	copts.QuickMode = getBool("quick")
	copts.UseMemoryMapping = getBool("mmap")
	copts.MpaStyleReport = getBool("mpa-style")
	copts.ReportZeroCounts = getBool("report-zero-counts")
	copts.ReportKmerData = getBool("report-minimizer-data")
	copts.PrintScientificName = getBool("scientific-name")
	copts.PairedEndProcessing = getBool("paired")
	copts.SingleFilePairs = getBool("single-file-pairs")
	copts.DaemonMode = getBool("daemon")

	copts.ConfidenceThreshold, _ = fs.GetFloat64("confidence")
	copts.NumThreads = getInt("threads")
	copts.MinimumQualityScore = getInt("min-quality")
	copts.MinimumHitGroups = getInt("min-hit-groups")

	if copts.SingleFilePairs {
		copts.PairedEndProcessing = true
	}

	if copts.IndexFile == "" || copts.TaxonomyDir == "" || copts.OptionsFile == "" {
		return nil, fmt.Errorf("mandatory flag missing: -H/--index, -t/--taxonomy and -o/--options are all required")
	}
	if copts.ConfidenceThreshold < 0 || copts.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be in [0, 1]")
	}
	if copts.NumThreads < 1 {
		return nil, fmt.Errorf("number of threads can't be less than 1")
	}
	if copts.MinimumQualityScore < 0 {
		return nil, fmt.Errorf("minimum quality score can't be negative")
	}
	if copts.MpaStyleReport && copts.ReportFile == "" {
		return nil, fmt.Errorf("-m/--mpa-style requires -R/--report")
	}

	for _, p := range []*string{&copts.IndexFile, &copts.TaxonomyDir, &copts.OptionsFile} {
		*p, err = homedir.Expand(*p)
		if err != nil {
			return nil, err
		}
	}

	copts.Files = args
	if copts.PairedEndProcessing && !copts.SingleFilePairs {
		if len(copts.Files) == 0 {
			return nil, fmt.Errorf("paired end processing used with no files specified")
		}
		if len(copts.Files)%2 == 1 {
			return nil, fmt.Errorf("paired end processing used with unpaired file")
		}
	}

	return copts, nil
}

// runClassify executes one full classification: stream all inputs
// through the worker pipeline, then write summary and reports.
func runClassify(opt *Options, copts *classifyOptions, idx *indexData) {
	seq.ValidateSeq = false

	stats := &classificationStats{}
	counters := make(taxonCounters, mapInitSize)
	sinks := &outputSinks{}

	if opt.Verbose {
		log.Infof("classifying with %d thread(s), confidence threshold %.3f",
			copts.NumThreads, copts.ConfidenceThreshold)
	}

	timeStart := time.Now()

	process := func(file1, file2 string) {
		reader, err := newBatchReader(file1, file2, copts.PairedEndProcessing, copts.SingleFilePairs)
		checkOSError(errors.Wrap(err, file1))
		processFiles(copts, idx, reader, sinks, stats, counters)
	}

	if len(copts.Files) == 0 {
		process("-", "")
	} else if copts.PairedEndProcessing && !copts.SingleFilePairs {
		for i := 0; i+1 < len(copts.Files); i += 2 {
			process(copts.Files[i], copts.Files[i+1])
		}
	} else {
		for _, file := range copts.Files {
			process(file, "")
		}
	}

	sinks.close()
	reportStats(time.Since(timeStart), stats)

	if copts.ReportFile != "" {
		outfh, err := xopen.Wopen(copts.ReportFile)
		checkOSError(err)
		if copts.MpaStyleReport {
			writeMpaStyleReport(outfh, idx, counters, copts.ReportZeroCounts)
		} else {
			writeKrakenStyleReport(outfh, idx, counters, stats.totalSequences,
				copts.ReportZeroCounts, copts.ReportKmerData)
		}
		checkError(outfh.Close())
		if opt.Verbose {
			style := "kraken"
			if copts.MpaStyleReport {
				style = "mpa"
			}
			log.Infof("%s-style report written to: %s", style, copts.ReportFile)
		}
	}
}
