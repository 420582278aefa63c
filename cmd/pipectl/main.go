// Command pipectl is the operator CLI for the barcode pipeline: batch
// uploads, extraction reports, catalogue imports, schema setup and the
// password hasher for the review login.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/azure"
	blobmem "github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

func main() {
	root := &cobra.Command{
		Use:           "pipectl",
		Short:         "Operator CLI for the barcode extraction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		uploadCmd(),
		reportCmd(),
		findDetectionCmd(),
		catalogImportCmd(),
		statsCmd(),
		initDBCmd(),
		hashPasswordCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pipectl:", err)
		os.Exit(1)
	}
}

// deps holds the connected dependencies CLI commands share.
type deps struct {
	cfg        config.Config
	pool       *pgxpool.Pool
	images     *postgres.ImageRepo
	detections *postgres.DetectionRepo
	products   *postgres.ProductRepo
	blobs      domain.BlobStore
}

func connect(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	var blobs domain.BlobStore
	if cfg.BlobConfigured() {
		store, err := azure.New(cfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("azure blob store: %w", err)
		}
		if err := store.EnsureContainer(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure blob container: %w", err)
		}
		blobs = store
	} else {
		slog.Warn("blob storage not configured, using in-memory store; uploads will not persist")
		blobs = blobmem.NewStore()
	}

	return &deps{
		cfg:        cfg,
		pool:       pool,
		images:     postgres.NewImageRepo(pool),
		detections: postgres.NewDetectionRepo(pool),
		products:   postgres.NewProductRepo(pool),
		blobs:      blobs,
	}, nil
}

func (d *deps) close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

func uploadCmd() *cobra.Command {
	var (
		batchID        string
		recursive      bool
		dryRun         bool
		skipDuplicates bool
	)
	cmd := &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Ingest product photos into the pipeline",
		Long: "Uploads image files (jpg, jpeg, png, gif, bmp, webp) to blob storage and\n" +
			"registers them as pending. Directories are expanded; pass --recursive to\n" +
			"descend into subdirectories.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectImageFiles(args, recursive)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no image files found under %s", strings.Join(args, ", "))
			}
			if batchID == "" {
				batchID = "batch-" + time.Now().UTC().Format("20060102-150405")
			}
			if dryRun {
				for _, f := range files {
					fmt.Fprintf(cmd.OutOrStdout(), "would upload %s\n", f)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dry run: %d file(s) into batch %s\n", len(files), batchID)
				return nil
			}

			ctx := cmd.Context()
			d, err := connect(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			uploader := usecase.NewUploadService(d.images, d.blobs)
			var uploaded, skipped, failed int
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "read %s: %v\n", f, err)
					failed++
					continue
				}
				id, dup, err := uploader.Ingest(ctx, batchID, filepath.Base(f), data, skipDuplicates)
				switch {
				case err != nil:
					fmt.Fprintf(cmd.ErrOrStderr(), "upload %s: %v\n", f, err)
					failed++
				case dup:
					skipped++
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", id, filepath.Base(f))
					uploaded++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d uploaded, %d skipped, %d failed\n",
				batchID, uploaded, skipped, failed)
			if failed > 0 {
				return fmt.Errorf("%d upload(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id (defaults to a timestamped one)")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "descend into subdirectories")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the files without uploading")
	cmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false, "skip files whose batch+filename already exist")
	return cmd
}

// collectImageFiles expands the given paths into a sorted list of image
// files. Directories contribute their entries; hidden files are skipped.
func collectImageFiles(paths []string, recursive bool) ([]string, error) {
	exts := map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true}
	isImage := func(name string) bool { return exts[strings.ToLower(filepath.Ext(name))] }

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if isImage(p) {
				files = append(files, p)
			}
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && !recursive {
					return fs.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || !isImage(d.Name()) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func reportCmd() *cobra.Command {
	var (
		batchID string
		format  string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Produce the extraction report for a batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			rows, err := usecase.NewReportService(d.images, d.detections).Rows(ctx, batchID)
			if err != nil {
				return err
			}

			var rendered string
			switch format {
			case "csv":
				rendered, err = usecase.RenderCSV(rows)
				if err != nil {
					return err
				}
			case "markdown":
				rendered = usecase.RenderMarkdown(rows)
			default:
				return fmt.Errorf("unknown format %q (want csv or markdown)", format)
			}

			if output == "" || output == "-" {
				fmt.Fprint(cmd.OutOrStdout(), rendered)
				return nil
			}
			if err := os.WriteFile(output, []byte(rendered), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d row(s) to %s\n", len(rows), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id (required)")
	cmd.Flags().StringVar(&format, "format", "csv", "output format: csv or markdown")
	cmd.Flags().StringVar(&output, "output", "-", "output file, - for stdout")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func findDetectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find-detection <code>",
		Short: "Look up images whose detections match a barcode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			matches, err := usecase.NewReportService(d.images, d.detections).FindByCode(ctx, args[0])
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no detections found")
				return nil
			}
			for _, m := range matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  image=%s  batch=%s  file=%s  source=%s  status=%s\n",
					m.Detection.Code, m.Detection.ImageID, m.Detection.BatchID,
					m.Detection.SourceFilename, m.Detection.Source, m.ImageStatus)
			}
			return nil
		},
	}
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "catalog-import",
		Short: "Import or update the product catalogue from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := connect(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			n, err := usecase.NewCatalogService(d.products).ImportYAML(ctx, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d product(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalogue YAML file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pipeline counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			queue := postgres.NewJobRepo(d.pool)
			snap, err := usecase.NewStatsService(d.images, d.detections, queue).Snapshot(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "images:")
			printCounts(out, toStringKeys(snap.Images))
			fmt.Fprintln(out, "detections:")
			printCounts(out, toStringKeys(snap.Detections))
			fmt.Fprintln(out, "jobs:")
			printCounts(out, toStringKeys(snap.Jobs))
			fmt.Fprintf(out, "pending work: %d\n", snap.PendingWork)
			return nil
		},
	}
	return cmd
}

func toStringKeys[K ~string](m map[K]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func printCounts(w io.Writer, m map[string]int64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, m[k])
	}
}

func initDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			slog.SetDefault(observability.SetupLogger(cfg))

			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a reviewer password for REVIEW_PASSWORD_HASH",
		Long: "Reads one line from stdin and prints its Argon2id hash. Pipe the\n" +
			"password in to keep it out of shell history:\n\n" +
			"  echo -n 's3cret' | pipectl hash-password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			password, err := reader.ReadString('\n')
			if err != nil && password == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := httpserver.HashPassword(password, httpserver.DefaultArgon2Params())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	return cmd
}
