package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stowage/stowage/internal/dcontext"
	"github.com/stowage/stowage/registry/storage"
	"github.com/stowage/stowage/registry/storage/driver/factory"
	"github.com/stowage/stowage/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(GCCmd)
	GCCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do everything except remove the blobs")
	GCCmd.Flags().BoolVar(&removeUntagged, "delete", true, "remove unreferenced blobs (disabled by --dry-run)")
	GCCmd.Flags().DurationVar(&minAge, "min-age", 0, "minimum age a blob must have before it is removed (overrides the configured value)")
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'registry' binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "`registry`",
	Long:  "`registry`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		cmd.Usage()
	},
}

var (
	dryRun         bool
	removeUntagged bool
	minAge         time.Duration
)

// GCCmd is the cobra command that corresponds to the garbage-collect
// subcommand.
var GCCmd = &cobra.Command{
	Use:   "garbage-collect <config>",
	Short: "`garbage-collect` deletes layers not referenced by any manifests",
	Long:  "`garbage-collect` deletes layers not referenced by any manifests",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		ctx := configureLogging(cmd.Context(), config)

		driver, err := factory.Create(config.Storage.Type(), config.Storage.Parameters())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct %s driver: %v\n", config.Storage.Type(), err)
			os.Exit(1)
		}

		registry, err := storage.NewRegistry(ctx, driver)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct registry: %v\n", err)
			os.Exit(1)
		}

		opts := storage.GCOpts{
			// --dry-run wins over --delete; --delete=false alone also
			// reports without removing.
			DryRun: dryRun || !removeUntagged,
			MinAge: config.GC.MinAge,
		}
		if cmd.Flags().Changed("min-age") {
			opts.MinAge = minAge
		}

		stats, err := storage.MarkAndSweep(ctx, driver, registry, opts)
		if stats != nil {
			printGCStats(ctx, stats, opts.DryRun)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to garbage collect: %v\n", err)
			os.Exit(1)
		}
	},
}

func printGCStats(ctx context.Context, stats *storage.GCStats, dryRun bool) {
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}

	dcontext.GetLogger(ctx).Infof(
		"garbage collection completed in %v: %d blobs scanned, %d referenced, %d orphaned, %s %d (%d bytes), %d skipped too new, %d skipped active upload, %d errors",
		stats.Duration, stats.Blobs, stats.Referenced, stats.Orphaned,
		verb, stats.Deleted, stats.BytesReclaimed,
		stats.SkippedTooNew, stats.SkippedActiveUpload, stats.Errors)
}
