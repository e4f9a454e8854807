package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alitto/pond"
	"github.com/urfave/cli/v2"

	"github.com/oceanmapping/czmil"
)

// fileSetInfo is a JSON-friendly summary of one coordinated W/P/T/I
// file set's headers, printed by the "info" command.
type fileSetInfo struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	RecordCount uint64 `json:"record_count"`
	HeaderSize  int    `json:"header_size"`
}

// info opens a single W, P, T, I or CAF file and prints its header
// summary as JSON. An index file is opened with OpenIndexFile, which
// may regenerate it from its W and P files.
func info(path string, kind string) error {
	var (
		recordCount uint64
		headerSize  int
		ftype       string
	)

	switch kind {
	case "w":
		h, err := czmil.OpenWaveformFile(path, true)
		if err != nil {
			return err
		}
		defer h.Close()
		recordCount, headerSize, ftype = h.RecordCount(), h.HeaderSize(), "CZMIL-W"
	case "p":
		h, err := czmil.OpenPointFile(path, true)
		if err != nil {
			return err
		}
		defer h.Close()
		recordCount, headerSize, ftype = h.RecordCount(), h.HeaderSize(), "CZMIL-P"
	case "t":
		h, err := czmil.OpenTrajectoryFile(path, true)
		if err != nil {
			return err
		}
		defer h.Close()
		recordCount, headerSize, ftype = h.RecordCount(), h.HeaderSize(), "CZMIL-T"
	case "i":
		h, err := czmil.OpenIndexFile(path)
		if err != nil {
			return err
		}
		defer h.Close()
		recordCount, headerSize, ftype = h.RecordCount(), h.HeaderSize(), "CZMIL-I"
	case "caf":
		h, err := czmil.OpenCAF(path, true)
		if err != nil {
			return err
		}
		defer h.Close()
		recordCount, headerSize, ftype = h.RecordCount(), h.HeaderSize(), "CZMIL-CAF"
	default:
		return fmt.Errorf("unrecognized file kind %q, want one of w/p/t/i/caf", kind)
	}

	out := fileSetInfo{Path: path, Type: ftype, RecordCount: recordCount, HeaderSize: headerSize}
	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

// regenerateOne rebuilds a single file set's index from its W and P
// files, inferring their paths from a shared basename convention
// (<base>.czw, <base>.czp, <base>.czi) when not given explicitly.
func regenerateOne(base, wPath, pPath, iPath string) error {
	if wPath == "" {
		wPath = base + ".czw"
	}
	if pPath == "" {
		pPath = base + ".czp"
	}
	if iPath == "" {
		iPath = base + ".czi"
	}

	log.Println("Regenerating index:", iPath)
	ih, err := czmil.RegenerateIndex(iPath, wPath, pPath)
	if err != nil {
		return err
	}
	defer ih.Close()
	log.Println("Regenerated index:", iPath, "records:", ih.RecordCount())
	return nil
}

// regenerateBatch finds every *.czw file under dir and regenerates its
// sibling index concurrently, using a fixed worker pool the way the
// teacher's convert_gsf_list spreads conversion work across 2*NumCPU
// workers, cancellable on interrupt.
func regenerateBatch(dir string) error {
	var bases []string
	err := filepath.Walk(dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".czw") {
			bases = append(bases, strings.TrimSuffix(p, ".czw"))
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Println("Found", len(bases), "file sets under", dir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	n := runtime.NumCPU() * 2
	pool := pond.New(n, 0, pond.MinWorkers(n), pond.Context(ctx))
	defer pool.StopAndWait()

	for _, b := range bases {
		base := b
		pool.Submit(func() {
			if err := regenerateOne(base, "", "", ""); err != nil {
				log.Println("failed:", base, err)
			}
		})
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "czmil-tool",
		Usage: "inspect and repair coordinated CZMIL waveform/point/trajectory/index file sets",
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "print a header summary for one file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Required: true, Usage: "path to a W, P, T or I file"},
					&cli.StringFlag{Name: "kind", Required: true, Usage: "one of w, p, t, i, caf"},
				},
				Action: func(cCtx *cli.Context) error {
					return info(cCtx.String("path"), cCtx.String("kind"))
				},
			},
			{
				Name:  "regenerate-index",
				Usage: "rebuild the index file for one file set",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "base", Usage: "shared basename; .czw/.czp/.czi are appended"},
					&cli.StringFlag{Name: "waveform", Usage: "explicit waveform (W) file path"},
					&cli.StringFlag{Name: "point", Usage: "explicit point (P) file path"},
					&cli.StringFlag{Name: "index", Usage: "explicit index (I) file path"},
				},
				Action: func(cCtx *cli.Context) error {
					return regenerateOne(cCtx.String("base"), cCtx.String("waveform"), cCtx.String("point"), cCtx.String("index"))
				},
			},
			{
				Name:  "regenerate-index-batch",
				Usage: "rebuild index files for every file set found under a directory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Required: true, Usage: "directory to search for .czw files"},
				},
				Action: func(cCtx *cli.Context) error {
					return regenerateBatch(cCtx.String("dir"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
