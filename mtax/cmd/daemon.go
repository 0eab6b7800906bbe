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
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

const daemonDir = "/tmp"

// runDaemon serves classify requests over named pipes, intended to be
// driven by wrappers. The launching options form the first request;
// further requests arrive as classify command lines on the control
// pipe, with PING and STOP as control words. Loaded indexes are cached
// by hash file path, so repeated requests against the same index skip
// the load. Requests are served one at a time; apart from the index
// cache no state survives between requests.
func runDaemon(opt *Options, copts *classifyOptions) {
	ctlIn := fmt.Sprintf("%s/mtax_stdin", daemonDir)
	ctlOut := fmt.Sprintf("%s/mtax_stdout", daemonDir)
	makeFifo(ctlIn)
	makeFifo(ctlOut)

	pidFile := fmt.Sprintf("%s/mtax.pid", daemonDir)
	checkError(ioutil.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600))

	// opening read-write keeps the pipes alive across writers, so the
	// daemon never sees EOF when a wrapper closes its end
	in, err := os.OpenFile(ctlIn, os.O_RDWR, 0)
	checkOSError(err)
	out, err := os.OpenFile(ctlOut, os.O_RDWR, 0)
	checkOSError(err)
	defer func() {
		in.Close()
		out.Close()
		os.Remove(ctlIn)
		os.Remove(ctlOut)
		os.Remove(pidFile)
	}()

	indexes := make(map[string]*indexData, 8)
	loadCached := func(c *classifyOptions) *indexData {
		idx, ok := indexes[c.IndexFile]
		if !ok {
			idx = loadIndexData(opt, c)
			indexes[c.IndexFile] = idx
		} else {
			// translated search is a property of the cached index
			c.UseTranslatedSearch = !idx.opts.DNADB
		}
		return idx
	}

	log.Infof("daemon listening on %s", ctlIn)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, BufferSize), 1<<20)
	cur := copts
	cur.DaemonMode = false
	reqNum := 0

	for {
		reqNum++
		serveRequest(opt, cur, loadCached(cur), out, reqNum)

		cur = nil
		for cur == nil {
			if !scanner.Scan() {
				checkError(scanner.Err())
				return
			}
			line := strings.TrimSpace(scanner.Text())
			switch {
			case len(line) < 2:
				continue
			case line == "PING":
				fmt.Fprintln(out, "OK")
				continue
			case line == "STOP":
				fmt.Fprintln(out, "OK")
				return
			}

			next, err := parseClassifyRequest(line)
			if err != nil {
				log.Errorf("bad request: %s", err)
				fmt.Fprintf(out, "ERR %s\n", err)
				continue
			}
			cur = next
		}
	}
}

// serveRequest runs one classification with its own pipe pair for
// sequence input and per-read output, mirroring the fork-per-request
// model of the C++ daemon with a fresh run per request.
func serveRequest(opt *Options, copts *classifyOptions, idx *indexData, ctlOut *os.File, reqNum int) {
	reqIn := fmt.Sprintf("%s/mtax_%d_stdin", daemonDir, reqNum)
	reqOut := fmt.Sprintf("%s/mtax_%d_stdout", daemonDir, reqNum)
	makeFifo(reqIn)
	makeFifo(reqOut)
	defer func() {
		os.Remove(reqIn)
		os.Remove(reqOut)
	}()

	fmt.Fprintf(ctlOut, "REQ %d\n", reqNum)

	// reads come from the request pipe when no files were named
	if len(copts.Files) == 0 {
		copts.Files = []string{reqIn}
	}

	w, err := os.OpenFile(reqOut, os.O_RDWR, 0)
	checkOSError(err)

	// per-read output and the final summary go to the request pipe
	savedStdout, savedStderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = w, w
	runClassify(opt, copts, idx)
	os.Stdout, os.Stderr = savedStdout, savedStderr
	w.Close()

	fmt.Fprintln(ctlOut, "DONE")
}

// parseClassifyRequest parses one request line with the classify flag
// set. Positional tokens are input files.
func parseClassifyRequest(line string) (*classifyOptions, error) {
	fs := pflag.NewFlagSet("classify", pflag.ContinueOnError)
	classifyFlags(fs)
	args := strings.Fields(line)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	copts, err := classifyOptionsFrom(fs, fs.Args())
	if err != nil {
		return nil, err
	}
	copts.DaemonMode = false
	return copts, nil
}

func makeFifo(path string) {
	if err := unix.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
		checkOSError(fmt.Errorf("mkfifo %s: %s", path, err))
	}
}
