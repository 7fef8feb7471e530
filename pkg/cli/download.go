package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/berth/pkg/download"
	"github.com/platinummonkey/berth/pkg/version"
)

func newDownloadCommand(app *App) *cobra.Command {
	var (
		versionRange string
		outputDir    string
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "download <plugin-id>",
		Short: "Download a plugin package without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pluginID := args[0]

			cfg, err := app.Config()
			if err != nil {
				return err
			}
			constraint, err := version.ParseRange(versionRange)
			if err != nil {
				return err
			}
			repos, err := app.Repositories(ctx)
			if err != nil {
				return err
			}
			releases, err := repos.Versions(ctx, pluginID)
			if err != nil {
				return err
			}
			rel, err := version.SelectRelease(releases, constraint, cfg.Host.Version, cfg.Lifecycle.IncludePrerelease)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outputDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			dest := filepath.Join(outputDir, fmt.Sprintf("%s-%s.bpkg", pluginID, rel.Version))

			engine, err := app.Downloads(false)
			if err != nil {
				return err
			}
			events, cancel := engine.Subscribe(64)
			defer cancel()

			task, err := engine.Enqueue(ctx, download.Request{
				PluginID:         pluginID,
				Version:          rel.Version,
				URL:              rel.DownloadURL,
				Destination:      dest,
				ExpectedSize:     rel.Size,
				ExpectedChecksum: rel.Checksum,
			})
			if err != nil {
				return err
			}

			reported := make(chan struct{})
			go func() {
				defer close(reported)
				reportProgress(app, task.ID, events, quiet)
			}()
			defer func() {
				cancel()
				<-reported
			}()

			done, err := engine.Wait(ctx, task.ID)
			if err != nil {
				if ctx.Err() != nil {
					_ = engine.Cancel(task.ID)
				}
				return err
			}
			fmt.Fprintf(app.stdout, "Downloaded %s %s to %s (%s)\n", pluginID, rel.Version, done.Destination, formatBytes(done.BytesDownloaded))
			return nil
		},
	}

	cmd.Flags().StringVar(&versionRange, "version", "", "version or version range (default latest)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "directory to write the package to")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

// reportProgress prints progress samples and retries of one task to stderr
// until the event stream closes
func reportProgress(app *App, taskID string, events <-chan download.Event, quiet bool) {
	for ev := range events {
		if quiet || ev.TaskID != taskID {
			continue
		}
		switch {
		case ev.Kind == download.EventProgress && ev.TotalBytes > 0:
			fmt.Fprintf(app.stderr, "  %s / %s (%.0f%%)\n", formatBytes(ev.BytesDownloaded), formatBytes(ev.TotalBytes),
				100*float64(ev.BytesDownloaded)/float64(ev.TotalBytes))
		case ev.Kind == download.EventProgress:
			fmt.Fprintf(app.stderr, "  %s\n", formatBytes(ev.BytesDownloaded))
		case ev.New == download.StatusFailed:
			fmt.Fprintf(app.stderr, "  attempt failed: %s\n", ev.Error)
		}
	}
}
