package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gavelworks/lotsync/internal/fetcher"
	"github.com/gavelworks/lotsync/internal/ingest"
)

var (
	fetchOut    string
	fetchIngest bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <ref>",
	Short: "Download a snapshot file over HTTP, FTP, or from disk",
	Long:  "Downloads the referenced snapshot to a local file. With --ingest the downloaded file is captured immediately.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ref := args[0]

		httpF := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:     cfg.Fetch.UserAgent,
			Timeout:       time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRetries:    cfg.Fetch.MaxRetries,
			RatePerSecond: cfg.Fetch.RatePerSecond,
		})
		ftpF := fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout: time.Duration(cfg.Fetch.FTPTimeoutSecs) * time.Second,
		})

		f, err := fetcher.ForRef(ref, httpF, ftpF)
		if err != nil {
			return err
		}

		out := fetchOut
		if out == "" {
			if err := os.MkdirAll(cfg.Ingest.TempDir, 0o755); err != nil {
				return eris.Wrap(err, "fetch: create temp dir")
			}
			out = filepath.Join(cfg.Ingest.TempDir,
				fmt.Sprintf("snapshot-%s%s", time.Now().UTC().Format("20060102-150405"), filepath.Ext(ref)))
		}

		n, err := f.DownloadToFile(ctx, ref, out)
		if err != nil {
			return err
		}
		zap.L().Info("snapshot downloaded",
			zap.String("ref", ref),
			zap.String("path", out),
			zap.Int64("bytes", n),
		)

		if !fetchIngest {
			fmt.Println(out)
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rep, err := ingest.IngestFile(ctx, st, out, ingest.Options{
			Origin:    ref,
			Encoding:  cfg.Ingest.Encoding,
			BatchSize: cfg.Ingest.BatchSize,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "destination path (default: temp dir)")
	fetchCmd.Flags().BoolVar(&fetchIngest, "ingest", false, "ingest the file after downloading")
	rootCmd.AddCommand(fetchCmd)
}
