package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"

	"campusmerit.org/internal/obs"
)

// airdrop-tree turns a recipient list into the Merkle root and total needed
// to create an airdrop, plus the per-recipient proofs.
func main() {
	in := flag.String("in", "-", "Allocation file (.csv or .json); - reads stdin")
	format := flag.String("format", "", "Input format: csv or json (default: from file extension, csv for stdin)")
	flag.Parse()

	log := obs.Logger()
	log.SetOutput(os.Stderr) // stdout carries the bundle

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			log.WithError(err).Fatal("open allocations")
		}
		defer f.Close()
		r = f
	}

	kind := *format
	if kind == "" {
		kind = "csv"
		if strings.EqualFold(filepath.Ext(*in), ".json") {
			kind = "json"
		}
	}

	allocs, err := readAllocations(r, kind)
	if err != nil {
		log.WithError(err).Fatal("read allocations")
	}
	out, err := buildBundle(allocs)
	if err != nil {
		log.WithError(err).Fatal("build tree")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.WithError(err).Fatal("write bundle")
	}
	log.WithField("root", out.Root.Hex()).WithField("count", out.Count).Info("airdrop tree built")
}
