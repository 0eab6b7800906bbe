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
	"os"

	"github.com/mattn/go-colorable"
	"github.com/shenwei356/go-logging"
)

var log = logging.MustGetLogger("mtax")

// exit codes follow sysexits(3), matching the original C++ classifier.
const (
	exUsage   = 64
	exDataErr = 65
	exOSErr   = 71
)

func init() {
	format := logging.MustStringFormatter(`%{color}[%{level:.4s}]%{color:reset} %{message}`)
	backend := logging.NewLogBackend(colorable.NewColorableStderr(), "", 0)
	logging.SetBackend(logging.NewBackendFormatter(backend, format))
}

// addLog duplicates log messages to a file. The returned file handle
// should be closed by the caller after the last message.
func addLog(file string, verbose bool) *os.File {
	fh, err := os.Create(file)
	checkError(err)

	formatScreen := logging.MustStringFormatter(`%{color}[%{level:.4s}]%{color:reset} %{message}`)
	formatFile := logging.MustStringFormatter(`%{time:15:04:05.000} [%{level:.4s}] %{message}`)

	backends := make([]logging.Backend, 0, 2)
	if verbose {
		backends = append(backends, logging.NewBackendFormatter(
			logging.NewLogBackend(colorable.NewColorableStderr(), "", 0), formatScreen))
	}
	backends = append(backends, logging.NewBackendFormatter(
		logging.NewLogBackend(fh, "", 0), formatFile))
	logging.SetBackend(backends...)

	return fh
}

func checkError(err error) {
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func checkUsageError(err error) {
	if err != nil {
		log.Error(err)
		os.Exit(exUsage)
	}
}

func checkDataError(err error) {
	if err != nil {
		log.Error(err)
		os.Exit(exDataErr)
	}
}

func checkOSError(err error) {
	if err != nil {
		log.Error(err)
		os.Exit(exOSErr)
	}
}

func isStdin(file string) bool {
	return file == "-"
}
