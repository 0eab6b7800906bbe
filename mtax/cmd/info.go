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
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shenwei356/util/cliutil"
	"github.com/spf13/cobra"
	"github.com/tatsushid/go-prettytable"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

var infoCmd = &cobra.Command{
	Use:   "info [flags] <metadata file/dir ...>",
	Short: "Print information of index metadata files",
	Long: `Print information of index metadata files

Directories are searched for .yml metadata files.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)

		outFile := cliutil.GetFlagString(cmd, "out-file")
		all := cliutil.GetFlagBool(cmd, "all")

		if len(args) == 0 {
			checkUsageError(fmt.Errorf("metadata files or directories needed"))
		}

		threads := runtime.NumCPU()
		pattern := regexp.MustCompile(`\.ya?ml$`)
		files := make([]string, 0, len(args))
		for _, arg := range args {
			fi, err := os.Stat(arg)
			checkOSError(errors.Wrap(err, arg))
			if fi.IsDir() {
				found, err := getFileListFromDir(arg, pattern, threads)
				checkError(errors.Wrap(err, arg))
				files = append(files, found...)
			} else {
				files = append(files, arg)
			}
		}
		if len(files) == 0 {
			log.Warningf("no metadata files found")
			return
		}

		type indexStat struct {
			file string
			info IndexOptions
			size int64 // total size of the index files on disk, -1 unknown
		}
		stats := make([]indexStat, len(files))

		// stat'ing many indexes over slow storage benefits from a bar
		showBar := opt.Verbose && len(files) > 1
		var bar *mpb.Bar
		var pbs *mpb.Progress
		if showBar {
			pbs = mpb.New(mpb.WithWidth(79), mpb.WithOutput(os.Stderr))
			bar = pbs.AddBar(int64(len(files)),
				mpb.BarStyle("[=>-]<+"),
				mpb.PrependDecorators(
					decor.Name("reading metadata: ", decor.WC{W: len("info") + 1, C: decor.DidentRight}),
					decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.EwmaETA(decor.ET_STYLE_GO, 60),
				),
			)
		}

		var wg sync.WaitGroup
		tokens := make(chan int, threads)
		for i, file := range files {
			wg.Add(1)
			tokens <- 1
			go func(i int, file string) {
				startTime := time.Now()
				defer func() {
					wg.Done()
					<-tokens
					if showBar {
						bar.Increment()
						bar.DecoratorEwmaUpdate(time.Since(startTime))
					}
				}()

				info, err := IndexOptionsFromFile(file)
				checkError(errors.Wrap(err, file))

				var size int64 = -1
				dir := filepath.Dir(file)
				for _, f := range info.Files {
					fi, err := os.Stat(filepath.Join(dir, f))
					if err != nil {
						size = -1
						break
					}
					if size < 0 {
						size = 0
					}
					size += fi.Size()
				}
				stats[i] = indexStat{file: file, info: info, size: size}
			}(i, file)
		}
		wg.Wait()
		if showBar {
			pbs.Wait()
		}

		columns := []prettytable.Column{
			{Header: "file"},
			{Header: "alias"},
			{Header: "k", AlignRight: true},
			{Header: "l", AlignRight: true},
			{Header: "type"},
			{Header: "entries", AlignRight: true},
		}
		if all {
			columns = append(columns, []prettytable.Column{
				{Header: "spaced-seed-mask"},
				{Header: "toggle-mask"},
				{Header: "min-acceptable-hash", AlignRight: true},
				{Header: "revcom", AlignRight: true},
				{Header: "size", AlignRight: true},
			}...)
		}
		tbl, err := prettytable.NewTable(columns...)
		checkError(err)
		tbl.Separator = "  "

		dbType := func(dna bool) string {
			if dna {
				return "dna"
			}
			return "protein"
		}
		for _, st := range stats {
			if !all {
				tbl.AddRow(
					st.file,
					st.info.Alias,
					st.info.K,
					st.info.L,
					dbType(st.info.DNADB),
					humanize.Comma(int64(st.info.Entries)),
				)
				continue
			}
			size := "-"
			if st.size >= 0 {
				size = humanize.IBytes(uint64(st.size))
			}
			tbl.AddRow(
				st.file,
				st.info.Alias,
				st.info.K,
				st.info.L,
				dbType(st.info.DNADB),
				humanize.Comma(int64(st.info.Entries)),
				fmt.Sprintf("%#x", st.info.SpacedSeedMask),
				fmt.Sprintf("%#x", st.info.ToggleMask),
				fmt.Sprintf("%d", st.info.MinimumAcceptableHashValue),
				st.info.RevcomVersion,
				size,
			)
		}

		outfh, gw, w, err := outStream(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)
		defer func() {
			outfh.Flush()
			if gw != nil {
				gw.Close()
			}
			if w != os.Stdout {
				w.Close()
			}
		}()

		outfh.Write(tbl.Bytes())
	},
}

func init() {
	RootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringP("out-file", "o", "-", `out file ("-" for stdout)`)
	infoCmd.Flags().BoolP("all", "a", false, `show all columns`)
}
