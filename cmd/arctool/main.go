// Command arctool builds, inspects, and verifies resource archives.
//
// Usage:
//
//	arctool build -root DIR -out PREFIX [-compress] [-lu path,...] [-exclude url,...]
//	arctool inspect -index FILE
//	arctool verify -index FILE -manifest FILE -pub FILE
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/meridian-games/arc/archive"
	"github.com/meridian-games/arc/builder"
	"github.com/meridian-games/arc/internal/codec"
	"github.com/meridian-games/arc/manifest"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:], logger)
	case "inspect":
		err = runInspect(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "arctool:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: arctool <build|inspect|verify> [flags]")
}

func runBuild(args []string, logger *slog.Logger) error {
	fs2 := flag.NewFlagSet("build", flag.ExitOnError)
	root := fs2.String("root", "", "source tree root")
	out := fs2.String("out", "", "output prefix for .idx/.dat/.manifest")
	compress := fs2.Bool("compress", true, "compress payloads that beat the ratio threshold")
	project := fs2.String("project", "", "project identifier (defaults to the root directory name)")
	versions := fs2.String("versions", "", "comma-separated supported build identifiers")
	liveUpdate := fs2.String("lu", "", "comma-separated relative paths delivered via live update")
	exclude := fs2.String("exclude", "", "comma-separated excluded subtree URLs")
	if err := fs2.Parse(args); err != nil {
		return err
	}
	if *root == "" || *out == "" {
		return fmt.Errorf("build: -root and -out are required")
	}

	opts := []builder.Option{builder.WithLogger(logger)}
	if *project != "" {
		opts = append(opts, builder.WithProjectID(*project))
	}
	if *versions != "" {
		opts = append(opts, builder.WithSupportedVersions(splitList(*versions)...))
	}
	b := builder.New(*root, opts...)

	lu := splitList(*liveUpdate)
	err := filepath.WalkDir(*root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(*root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if slices.Contains(lu, rel) {
			b.AddLiveUpdate(rel, *compress)
		} else {
			b.Add(rel, *compress)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, url := range splitList(*exclude) {
		b.Exclude(url)
	}

	res, err := b.Write(context.Background(), *out)
	if err != nil {
		return err
	}
	fmt.Println("index:   ", res.IndexPath)
	fmt.Println("data:    ", res.DataPath)
	fmt.Println("manifest:", res.ManifestPath)
	fmt.Println("pack:    ", res.PackDir)
	return nil
}

func runInspect(args []string) error {
	fs2 := flag.NewFlagSet("inspect", flag.ExitOnError)
	indexPath := fs2.String("index", "", "index file")
	dataPath := fs2.String("data", "", "data file (defaults to index path with .dat)")
	if err := fs2.Parse(args); err != nil {
		return err
	}
	if *indexPath == "" {
		return fmt.Errorf("inspect: -index is required")
	}
	if *dataPath == "" {
		*dataPath = strings.TrimSuffix(*indexPath, builder.ExtIndex) + builder.ExtData
	}

	a, err := archive.Load(*indexPath, *dataPath)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("entries: %d, digest width: %d bytes, checksum: %x\n",
		a.Len(), a.HashLength(), a.Checksum())
	for i := 0; i < a.Len(); i++ {
		e, dig := a.EntryAt(i)
		var attrs []string
		if e.Compressed() {
			attrs = append(attrs, "compressed")
		}
		if e.Flags&uint32(archive.EntryEncrypted) != 0 {
			attrs = append(attrs, "encrypted")
		}
		if e.Flags&uint32(archive.EntryLiveUpdate) != 0 {
			attrs = append(attrs, "live-update")
		}
		fmt.Printf("  %s  off=%d size=%d stored=%d %s\n",
			hex.EncodeToString(dig), e.Offset, e.Size, e.Stored(), strings.Join(attrs, ","))
	}
	return nil
}

func runVerify(args []string) error {
	fs2 := flag.NewFlagSet("verify", flag.ExitOnError)
	indexPath := fs2.String("index", "", "index file")
	manifestPath := fs2.String("manifest", "", "manifest file")
	pubPath := fs2.String("pub", "", "public key file")
	if err := fs2.Parse(args); err != nil {
		return err
	}
	if *indexPath == "" || *manifestPath == "" || *pubPath == "" {
		return fmt.Errorf("verify: -index, -manifest, and -pub are required")
	}

	raw, err := os.ReadFile(*manifestPath)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return err
	}
	pub, err := manifest.LoadPublicKey(*pubPath)
	if err != nil {
		return err
	}
	idxRaw, err := os.ReadFile(*indexPath)
	if err != nil {
		return err
	}
	checksum, err := codec.Checksum(idxRaw)
	if err != nil {
		return err
	}
	if err := m.VerifySignature(pub, checksum); err != nil {
		return err
	}
	fmt.Printf("ok: %d manifest entries, signature valid\n", len(m.Entries))
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
