// Command journalctl inspects and administers a journal directory on disk:
// it prints the min/max/flushed/segment-count summary a store would expose
// via Stats(), and can drive compact/truncate from the shell without
// standing up the embedding Raft process.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"

	"github.com/journalio/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "stats":
		runStats(args)
	case "compact":
		runCompact(args)
	case "truncate":
		runTruncate(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: journalctl <stats|compact|truncate> -dir <path> [flags]")
}

func openLocal(dir string) (*store.Local, error) {
	cfg, err := store.NewConfig()
	if err != nil {
		return nil, err
	}
	logger := log.NewLogfmtLogger(os.Stderr)
	return store.Open(dir, 0, store.Options{Config: cfg, Logger: logger})
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dir := fs.String("dir", "", "journal directory")
	fs.Parse(args)
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "-dir is required")
		os.Exit(2)
	}

	l, err := openLocal(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer l.Close()

	s := l.Stats()
	fmt.Printf("min=%d physicalMin=%d max=%d flushed=%d segments=%d\n",
		s.Min, s.PhysicalMin, s.Max, s.Flushed, s.SegmentCount)
}

func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	dir := fs.String("dir", "", "journal directory")
	min := fs.Int64("min", 0, "new min position")
	fs.Parse(args)
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "-dir is required")
		os.Exit(2)
	}

	l, err := openLocal(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer l.Close()

	deleted, err := l.Compact(*min)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compact:", err)
		os.Exit(1)
	}
	fmt.Printf("compacted %d bytes, min now %d\n", deleted, l.Min())
}

func runTruncate(args []string) {
	fs := flag.NewFlagSet("truncate", flag.ExitOnError)
	dir := fs.String("dir", "", "journal directory")
	max := fs.Int64("max", 0, "new max position")
	fs.Parse(args)
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "-dir is required")
		os.Exit(2)
	}

	l, err := openLocal(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer l.Close()

	if err := l.Truncate(*max); err != nil {
		fmt.Fprintln(os.Stderr, "truncate:", err)
		os.Exit(1)
	}
	fmt.Printf("truncated to max=%d\n", l.Max())
}
