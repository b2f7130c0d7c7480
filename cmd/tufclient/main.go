// Command tufclient is a minimal command-line driver for the Updater
// (spec §4.6), grounded on kolide-updater's own
// example/cmd/main.go — a flag-parsed bootstrap step followed by a
// refresh-and-download action, rather than a subcommand framework (the
// examples pull in no CLI library, so this stays on stdlib flag).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/kolide/tuf/fetcher"
	"github.com/kolide/tuf/updater"
)

func main() {
	var (
		baseDir     = flag.String("base-directory", "./", "directory to store the trusted metadata cache in")
		rootFile    = flag.String("trusted-root", "root.json", "path to the initial trusted root.json to bootstrap from")
		metadataURL = flag.String("metadata-url", "", "base URL the metadata repository is served from")
		targetsURL  = flag.String("targets-url", "", "base URL target files are served from")
		targetPath  = flag.String("download", "", "target path to resolve and download after refreshing")
		destDir     = flag.String("dest", "", "directory to write the downloaded target into; empty means don't write to disk")
	)
	flag.Parse()

	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	if *metadataURL == "" || *targetsURL == "" {
		fmt.Fprintln(os.Stderr, "tufclient: -metadata-url and -targets-url are required")
		os.Exit(1)
	}

	rootBytes, err := os.ReadFile(*rootFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tufclient: reading trusted root %s: %s\n", *rootFile, err)
		os.Exit(1)
	}

	cache := fetcher.NewFileCache(filepath.Join(*baseDir, "metadata"))
	u, err := updater.New(rootBytes, *metadataURL, *targetsURL, fetcher.NewHTTPFetcher(),
		updater.WithCache(cache),
		updater.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tufclient: constructing updater: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := u.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tufclient: refresh: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("refreshed: root=%d timestamp=%d snapshot=%d targets=%d\n",
		u.Set().Root().Version, u.Set().Timestamp().Version, u.Set().Snapshot().Version, u.Set().Targets().Version)

	if *targetPath == "" {
		return
	}

	tf, role, err := u.GetTargetInfo(ctx, *targetPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tufclient: resolving %s: %s\n", *targetPath, err)
		os.Exit(1)
	}
	if tf == nil {
		fmt.Fprintf(os.Stderr, "tufclient: %s not found in any targets role\n", *targetPath)
		os.Exit(1)
	}
	fmt.Printf("resolved %s via role %s (length=%d)\n", *targetPath, role, tf.Length)

	var localDest string
	if *destDir != "" {
		localDest = filepath.Join(*destDir, filepath.Base(*targetPath))
	}
	downloadedPath, data, err := u.DownloadTarget(ctx, tf, *targetPath, localDest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tufclient: downloading %s: %s\n", *targetPath, err)
		os.Exit(1)
	}
	if localDest != "" {
		fmt.Printf("downloaded %s to %s\n", downloadedPath, localDest)
	} else {
		fmt.Printf("downloaded %s (%d bytes, not written to disk)\n", downloadedPath, len(data))
	}
}
