package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"minecraftfriend.ai/internal/artifact"
	"minecraftfriend.ai/internal/persistence/archive"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "bundle":
			bundleCmd(os.Args[2:])
			return
		case "archives":
			archivesCmd(os.Args[2:])
			return
		case "health":
			healthCmd(os.Args[2:])
			return
		case "reload":
			reloadCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the files of an artifact directory with their sizes.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	modelDir := fs.String("model", "models", "artifact directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(*modelDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Printf("%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Printf("%-32s %10s %s\n", e.Name(), humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	}
}

func bundleCmd(args []string) {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	path := fs.String("model", "models", "artifact directory or bundle file")
	full := fs.Bool("meta", false, "print the full metadata, not just the header")
	_ = fs.Parse(args)

	bundlePath := artifact.BundlePath(*path)
	h, err := artifact.ReadHeader(bundlePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(1)
	}
	printJSON(h)
	if !*full {
		return
	}
	metaPath := filepath.Join(filepath.Dir(bundlePath), artifact.MetaFile)
	meta, err := artifact.LoadMeta(metaPath)
	if err != nil {
		// Older directories may lack the sidecar; the bundle always carries it.
		b, berr := artifact.Load(bundlePath)
		if berr != nil {
			fmt.Fprintln(os.Stderr, "load meta:", err)
			os.Exit(1)
		}
		meta = b.Meta
	}
	printJSON(meta)
}

func archivesCmd(args []string) {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	modelDir := fs.String("model", "models", "artifact directory")
	_ = fs.Parse(args)

	base := filepath.Dir(archive.Dir(*modelDir, "x"))
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no archives")
			return
		}
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	var metas []archive.Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(archive.Dir(*modelDir, e.Name()), "meta.json"))
		if err != nil {
			continue
		}
		var m archive.Meta
		if err := json.Unmarshal(b, &m); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", e.Name(), err)
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ArchivedAt > metas[j].ArchivedAt })
	for _, m := range metas {
		fmt.Printf("%s archived_at=%s best_epoch=%d best_val_loss=%.4f files=%s\n",
			m.RunID, m.ArchivedAt, m.BestEpoch, m.ValLoss, strings.Join(m.Files, ","))
	}
}
