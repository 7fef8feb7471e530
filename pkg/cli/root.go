package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the berth command tree bound to app
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "berth",
		Short:         "Berth - plugin package and lifecycle manager",
		Version:       app.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "config file (default ./berth.yaml)")
	flags.BoolVar(&app.jsonOutput, "json", false, "print JSON instead of tables")
	flags.StringVar(&app.serverURL, "server", "", "URL of a running berth server (default from server.addr)")

	root.AddCommand(
		newPackCommand(app),
		newInspectCommand(app),
		newVerifyCommand(app),
		newInstallCommand(app),
		newUninstallCommand(app),
		newListCommand(app),
		newLoadCommand(app, "load", "Load an installed plugin in the running server"),
		newLoadCommand(app, "unload", "Unload a plugin in the running server"),
		newLoadCommand(app, "reload", "Reload a plugin in the running server"),
		newEnableCommand(app),
		newDisableCommand(app),
		newUpdatesCommand(app),
		newUpdateCommand(app),
		newSearchCommand(app),
		newRepoCommand(app),
		newDownloadCommand(app),
		newServeCommand(app),
	)
	return root
}

// Execute runs the command line in args and releases every component the
// command opened
func Execute(ctx context.Context, version string, args []string, stdout, stderr io.Writer) error {
	app := NewApp(version, stdout, stderr)
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := app.Close(context.Background()); err == nil {
		err = cerr
	}
	return err
}
