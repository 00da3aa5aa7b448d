package main

import (
	"bufio"
	"context"
	"encoding/json"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/rasky/lineframe"

	"github.com/djherbis/atime"
	"github.com/grailbio/base/log"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh/terminal"
)

const VERSION = "1.0"

var flagStdout = pflag.BoolP("stdout", "c", false, "write on standard output, keep original files unchanged")
var flagDecompress = pflag.BoolP("decompress", "d", false, "decompress and build the key/value table")
var flagCat = pflag.Bool("cat", false, "decompress back to the original file")
var flagForce = pflag.BoolP("force", "f", false, "force overwrite of output file")
var flagHelp = pflag.BoolP("help", "h", false, "give this help")
var flagKeep = pflag.BoolP("keep", "k", false, "keep (don't delete) input files")
var flagLicense = pflag.BoolP("license", "L", false, "display software license")
var flagList = pflag.BoolP("list", "l", false, "print the index as JSON")
var flagTest = pflag.BoolP("test", "t", false, "test compressed file integrity")
var flagVersion = pflag.BoolP("version", "V", false, "display version number")
var flagL1 = pflag.BoolP("fast", "1", false, "compress faster")
var flagL2 = pflag.Bool("2", false, "")
var flagL3 = pflag.Bool("3", false, "")
var flagL4 = pflag.Bool("4", false, "")
var flagL5 = pflag.Bool("5", false, "")
var flagL6 = pflag.Bool("6", false, "")
var flagL7 = pflag.Bool("7", false, "")
var flagL8 = pflag.Bool("8", false, "")
var flagL9 = pflag.BoolP("best", "9", false, "compress better")
var flagBlockSize = pflag.StringP("block-size", "b", "4MiB", "target uncompressed block size")
var flagCodec = pflag.String("codec", "zstd", "frame codec: zstd or gzip")
var flagStrictLines = pflag.Bool("strict-lines", false, "fail instead of writing an oversized block for a line longer than the block size")
var flagWorkers = pflag.IntP("workers", "j", runtime.NumCPU(), "number of parallel workers")
var flagStrategy = pflag.StringP("strategy", "s", "merge", "merge strategy: shared, vector or merge")
var flagPartition = pflag.String("partition", "roundrobin", "block assignment: roundrobin, contiguous or dynamic")
var flagIndex = pflag.StringP("index", "x", "", "index file (default: archive name + .idx)")
var flagOutput = pflag.StringP("output", "o", "", "write the decompressed table to this file (- for stdout)")
var flagDelimiter = pflag.String("delimiter", "\t", "field delimiter of a record")
var flagSkipMalformed = pflag.Bool("skip-malformed", false, "skip and count malformed records instead of failing")
var flagKeepFirst = pflag.Bool("keep-first", false, "keep the first occurrence of a duplicate key instead of the last")
var flagBestEffort = pflag.Bool("best-effort", false, "report failed blocks but still output the table built from the others")
var flagMmap = pflag.Bool("mmap", false, "read the archive through a memory mapping")

const (
	ModeCompress = iota
	ModeDecompress
	ModeCat
	ModeTest
	ModeList
)

var Mode = ModeCompress
var Level int
var Files []string
var IsStdinTerm bool = terminal.IsTerminal(0)
var IsStdoutTerm bool = terminal.IsTerminal(1)

// outFiles are removed if we are interrupted or fail, so that a partial
// archive/index pair is never left behind.
var outFiles struct {
	sync.Mutex
	names []string
}

func main() {
	log.AddFlags()
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	pflag.Parse()
	if *flagHelp {
		Usage()
		return
	}
	if *flagLicense {
		License()
		return
	}
	if *flagVersion {
		fmt.Println("lineframe", VERSION)
		return
	}

	switch {
	case *flagL1:
		Level = 1
	case *flagL2:
		Level = 2
	case *flagL3:
		Level = 3
	case *flagL4:
		Level = 4
	case *flagL5:
		Level = 5
	case *flagL6:
		Level = 6
	case *flagL7:
		Level = 7
	case *flagL8:
		Level = 8
	case *flagL9:
		Level = 9
	}

	Files = pflag.Args()
	if len(Files) == 0 {
		Files = []string{"-"}
	}

	binname := filepath.Base(os.Args[0])

	switch {
	case *flagList:
		Mode = ModeList
	case *flagTest:
		Mode = ModeTest
	case *flagCat || strings.Contains(binname, "cat"):
		Mode = ModeCat
	case *flagDecompress:
		Mode = ModeDecompress
	}

	SetSignalHandler()
	os.Exit(Run())
}

func SetSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-ch
		removeOutputs()
		os.Exit(1)
	}()
}

func addOutput(name string) {
	outFiles.Lock()
	outFiles.names = append(outFiles.names, name)
	outFiles.Unlock()
}

func removeOutputs() {
	outFiles.Lock()
	for _, name := range outFiles.names {
		os.Remove(name)
	}
	outFiles.names = nil
	outFiles.Unlock()
}

func keepOutputs() {
	outFiles.Lock()
	outFiles.names = nil
	outFiles.Unlock()
}

func CopyStat(w *os.File, f *os.File) {
	fi, err := f.Stat()
	if err == nil {
		w.Chmod(fi.Mode())
		if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
			w.Chown(int(sys.Uid), int(sys.Gid))
			os.Chtimes(w.Name(), atime.Get(fi), fi.ModTime())
		}
	}
}

const msgPrefix = "lineframe: "

func fatal(args ...interface{}) {
	fmt.Fprint(os.Stderr, errorMessage(args...))
}

// errorMessage formats a diagnostic line. Library errors already carry the
// program prefix, so it is not repeated.
func errorMessage(args ...interface{}) string {
	return msgPrefix + strings.TrimPrefix(fmt.Sprintln(args...), msgPrefix)
}

// confirmOverwrite asks before replacing an existing file, like gzip does.
func confirmOverwrite(fn string) bool {
	if *flagForce {
		return true
	}
	if _, err := os.Stat(fn); err != nil {
		return true
	}
	if !IsStdinTerm {
		fatal(fn, "already exists; not overwritten")
		return false
	}
	fmt.Printf("lineframe: %s already exists; do you wish to overwrite (y or n)? ", fn)
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	if len(input) == 0 || input[0] != 'y' {
		fmt.Println("\tnot overwritten")
		return false
	}
	return true
}

func create(fn string) (*os.File, error) {
	w, err := os.Create(fn)
	if err != nil {
		return nil, err
	}
	addOutput(fn)
	return w, nil
}

func indexPath(archive string) string {
	if *flagIndex != "" {
		return *flagIndex
	}
	return archive + ".idx"
}

func compressOptions() (lineframe.CompressOptions, error) {
	opts := lineframe.DefaultCompressOptions()
	var err error
	if opts.BlockSize, err = lineframe.ParseSize(*flagBlockSize); err != nil {
		return opts, err
	}
	if opts.Codec, err = lineframe.ParseCodec(*flagCodec); err != nil {
		return opts, err
	}
	opts.Level = Level
	opts.Workers = *flagWorkers
	if *flagStrictLines {
		opts.Oversized = lineframe.OversizedFail
	}
	return opts, nil
}

func decompressOptions() (lineframe.DecompressOptions, error) {
	opts := lineframe.DefaultDecompressOptions()
	var err error
	if opts.Strategy, err = lineframe.ParseStrategy(*flagStrategy); err != nil {
		return opts, err
	}
	switch strings.ToLower(*flagPartition) {
	case "roundrobin", "round-robin":
		opts.Partition = lineframe.RoundRobin
	case "contiguous":
		opts.Partition = lineframe.Contiguous
	case "dynamic":
		opts.Partition = lineframe.Dynamic
	default:
		return opts, fmt.Errorf("unknown partitioning %q", *flagPartition)
	}
	if len(*flagDelimiter) != 1 {
		return opts, fmt.Errorf("the delimiter must be a single byte, got %q", *flagDelimiter)
	}
	opts.Delimiter = (*flagDelimiter)[0]
	opts.Workers = *flagWorkers
	if *flagSkipMalformed {
		opts.Malformed = lineframe.MalformedSkip
	}
	if *flagKeepFirst {
		opts.Duplicates = lineframe.KeepFirst
	}
	opts.BestEffort = *flagBestEffort
	return opts, nil
}

func compressFile(fn string) bool {
	opts, err := compressOptions()
	if err != nil {
		fatal(err)
		return false
	}

	var f *os.File
	outStdout := *flagStdout
	if fn == "-" {
		f = os.Stdin
		outStdout = true
	} else {
		f, err = os.Open(fn)
		if err != nil {
			fatal(err)
			return false
		}
		defer f.Close()
	}

	var w *os.File
	var archiveName string
	if outStdout {
		if IsStdoutTerm && !*flagForce {
			fatal("cannot compress to terminal (use -f to force)")
			return false
		}
		if *flagIndex == "" {
			fatal("an index file (-x) is required when writing the archive to standard output")
			return false
		}
		w = os.Stdout
	} else {
		archiveName = fn + opts.Codec.Ext()
		if !confirmOverwrite(archiveName) {
			return true
		}
		if w, err = create(archiveName); err != nil {
			fatal(err)
			return false
		}
		defer w.Close()
	}
	idxName := indexPath(archiveName)
	if !confirmOverwrite(idxName) {
		removeOutputs()
		return true
	}
	iw, err := create(idxName)
	if err != nil {
		fatal(err)
		removeOutputs()
		return false
	}
	defer iw.Close()

	bw := bufio.NewWriterSize(w, 1<<20)
	idx, st, err := lineframe.Compress(context.Background(), f, bw, opts)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = lineframe.WriteIndex(iw, idx)
	}
	if err == nil {
		err = iw.Close()
	}
	if err != nil {
		fatal(err)
		removeOutputs()
		return false
	}
	keepOutputs()
	log.Printf("%s: %s", fn, st)
	if !outStdout {
		CopyStat(w, f)
		if !*flagKeep {
			os.Remove(fn)
		}
	}
	return true
}

func archiveIndexName(fn string) (string, bool) {
	if fn == "-" {
		fatal("reading the archive from standard input is not supported; it must be seekable")
		return "", false
	}
	return indexPath(fn), true
}

func decompressFile(fn string) bool {
	opts, err := decompressOptions()
	if err != nil {
		fatal(err)
		return false
	}
	idxName, ok := archiveIndexName(fn)
	if !ok {
		return false
	}
	a, idx, err := lineframe.Open(fn, idxName, *flagMmap)
	if err != nil {
		fatal(err)
		return false
	}
	defer a.Close()

	m, st, err := lineframe.Decompress(context.Background(), a, idx, opts)
	if err != nil {
		fatal(err)
		if m == nil {
			return false
		}
	}
	fmt.Fprintf(os.Stderr, "%s: %d keys (%s, %d workers, %v strategy)\n", fn, m.Len(), st, opts.Workers, opts.Strategy)

	switch *flagOutput {
	case "":
	case "-":
		if _, werr := m.WriteTo(os.Stdout); werr != nil {
			fatal(werr)
			return false
		}
	default:
		if !confirmOverwrite(*flagOutput) {
			return err == nil
		}
		out, cerr := create(*flagOutput)
		if cerr != nil {
			fatal(cerr)
			return false
		}
		defer out.Close()
		if _, werr := m.WriteTo(out); werr != nil {
			fatal(werr)
			removeOutputs()
			return false
		}
		keepOutputs()
	}
	return err == nil
}

func catFile(fn string) bool {
	idxName, ok := archiveIndexName(fn)
	if !ok {
		return false
	}
	a, idx, err := lineframe.Open(fn, idxName, *flagMmap)
	if err != nil {
		fatal(err)
		return false
	}
	defer a.Close()

	var w *os.File
	if *flagStdout {
		w = os.Stdout
	} else {
		ext := filepath.Ext(fn)
		if ext != ".zst" && ext != ".gz" {
			fatal(fn, "unknown suffix -- ignored")
			return true
		}
		outfn := fn[:len(fn)-len(ext)]
		if !confirmOverwrite(outfn) {
			return true
		}
		if w, err = create(outfn); err != nil {
			fatal(err)
			return false
		}
		defer w.Close()
	}
	bw := bufio.NewWriterSize(w, 1<<20)
	err = lineframe.Cat(context.Background(), a, idx, bw, *flagWorkers)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		fatal(err)
		removeOutputs()
		return false
	}
	keepOutputs()
	if w != os.Stdout {
		CopyStat(w, a.File())
	}
	return true
}

func testFile(fn string) bool {
	idxName, ok := archiveIndexName(fn)
	if !ok {
		return false
	}
	a, idx, err := lineframe.Open(fn, idxName, *flagMmap)
	if err != nil {
		fatal(err)
		return false
	}
	defer a.Close()
	st, err := lineframe.Verify(context.Background(), a, idx, *flagWorkers)
	if err != nil {
		fatal(err)
		return false
	}
	log.Printf("%s: OK (%s)", fn, st)
	return true
}

func listFile(fn string) bool {
	idxName, ok := archiveIndexName(fn)
	if !ok {
		return false
	}
	f, err := os.Open(idxName)
	if err != nil {
		fatal(err)
		return false
	}
	defer f.Close()
	idx, err := lineframe.ReadIndex(f)
	if err != nil {
		fatal(err)
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx); err != nil {
		fatal(err)
		return false
	}
	return true
}

func Run() int {
	for _, fn := range Files {
		var ok bool
		switch Mode {
		case ModeCompress:
			ok = compressFile(fn)
		case ModeDecompress:
			ok = decompressFile(fn)
		case ModeCat:
			ok = catFile(fn)
		case ModeTest:
			ok = testFile(fn)
		case ModeList:
			ok = listFile(fn)
		}
		if !ok {
			return 1
		}
	}
	return 0
}

func Usage() {
	// pflag.Usage orders options by long name and prints "[=false]" next to
	// every boolean, so the help text is written out by hand.
	fmt.Println(`Usage: lineframe [OPTION]... [FILE]...
Compress line-oriented FILEs into line-aligned archives, or decompress them
in parallel into a key/value table.

Mandatory arguments to long options are mandatory for short options too.

  -c, --stdout          write on standard output, keep original files unchanged
  -d, --decompress      decompress and build the key/value table
      --cat             decompress back to the original file
  -f, --force           force overwrite of output files
  -h, --help            give this help
  -k, --keep            keep (don't delete) input files
  -l, --list            print the index as JSON
  -L, --license         display software license
  -t, --test            test compressed file integrity
  -V, --version         display version number
  -1, --fast            compress faster
  -9, --best            compress better

Compression:
  -b, --block-size=SIZE target uncompressed block size, e.g. 200, 64k, 128MiB
      --codec=NAME      zstd (default) or gzip
      --strict-lines    fail on a line longer than the block size

Decompression:
  -j, --workers=N       number of parallel workers (default: number of CPUs)
  -s, --strategy=NAME   merge strategy: shared, vector or merge (default)
      --partition=NAME  roundrobin (default), contiguous or dynamic
  -x, --index=FILE      index file (default: archive name + .idx)
  -o, --output=FILE     write the table as sorted key<TAB>value lines (- for stdout)
      --delimiter=C     field delimiter (default: tab)
      --skip-malformed  skip and count malformed records instead of failing
      --keep-first      keep the first occurrence of a duplicate key (default: last)
      --best-effort     still output the table when some blocks fail
      --mmap            read the archive through a memory mapping

With no FILE, or when FILE is -, compress standard input.`)
}

func License() {
	fmt.Println("lineframe", VERSION)
	fmt.Println(`
Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.`)
}
