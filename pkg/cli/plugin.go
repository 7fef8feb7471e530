package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/berth/pkg/lifecycle"
	"github.com/platinummonkey/berth/pkg/version"
)

// isPackageFile reports whether arg names a local package rather than a
// plugin id
func isPackageFile(arg string) bool {
	if !strings.HasSuffix(arg, ".bpkg") {
		return false
	}
	info, err := os.Stat(arg)
	return err == nil && !info.IsDir()
}

func newInstallCommand(app *App) *cobra.Command {
	var versionRange string

	cmd := &cobra.Command{
		Use:   "install <plugin-id | package.bpkg>",
		Short: "Install a plugin from the repositories or a local package",
		Long: `Install a plugin from the repositories or a local package.

A plugin id installs the best compatible release inside --version, which
takes an exact version or an interval such as "[1.0.0,2.0.0)". A path to a
.bpkg file installs that package.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.Lifecycle(cmd.Context(), false)
			if err != nil {
				return err
			}

			var st *lifecycle.Status
			if isPackageFile(args[0]) {
				if versionRange != "" {
					return fmt.Errorf("--version cannot be used with a package file")
				}
				st, err = m.InstallFile(cmd.Context(), args[0])
			} else {
				st, err = m.Install(cmd.Context(), args[0], versionRange)
			}
			if err != nil {
				return err
			}
			if app.jsonOutput {
				return printJSON(app.stdout, st)
			}
			fmt.Fprintf(app.stdout, "Installed %s %s into %s\n", st.ID, st.Version, st.InstallPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&versionRange, "version", "", "version or version range to install (default latest)")
	return cmd
}

func newUninstallCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <plugin-id>",
		Short: "Remove an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.Lifecycle(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := m.Uninstall(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Long: `List installed plugins.

With --server the list comes from the running server and shows runtime
states; otherwise it is read from local state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := listStatuses(cmd.Context(), app)
			if err != nil {
				return err
			}
			if app.jsonOutput {
				return printJSON(app.stdout, statuses)
			}
			printStatuses(app, statuses)
			return nil
		},
	}
}

func listStatuses(ctx context.Context, app *App) ([]lifecycle.Status, error) {
	if app.serverURL != "" {
		c, err := app.Client()
		if err != nil {
			return nil, err
		}
		return c.Plugins(ctx)
	}
	m, err := app.Lifecycle(ctx, false)
	if err != nil {
		return nil, err
	}
	return m.List(), nil
}

func printStatuses(app *App, statuses []lifecycle.Status) {
	t := newTable(app.stdout, "ID", "VERSION", "RUNTIME", "STATE", "ENABLED", "REPOSITORY", "ERROR")
	for _, st := range statuses {
		t.row(st.ID, orDash(st.Version), orDash(string(st.Runtime)), string(st.State),
			fmt.Sprint(st.Enabled), orDash(st.Repository), orDash(st.Error))
	}
	t.flush()
}

func newEnableCommand(app *App) *cobra.Command {
	return newToggleCommand(app, "enable", "Allow a plugin to load", (*lifecycle.Manager).Enable)
}

func newDisableCommand(app *App) *cobra.Command {
	return newToggleCommand(app, "disable", "Keep a plugin from loading", (*lifecycle.Manager).Disable)
}

// newToggleCommand changes the persisted enabled flag of a plugin
func newToggleCommand(app *App, name, short string, action func(*lifecycle.Manager, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <plugin-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.Lifecycle(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := action(m, cmd.Context(), args[0]); err != nil {
				return err
			}
			st, err := m.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s is %s\n", st.ID, st.State)
			return nil
		},
	}
}

func newUpdatesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "updates",
		Short: "Check installed plugins for newer releases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := app.Lifecycle(cmd.Context(), false)
			if err != nil {
				return err
			}
			results, err := m.CheckUpdates(cmd.Context())
			if err != nil {
				return err
			}
			if app.jsonOutput {
				return printJSON(app.stdout, results)
			}
			printUpdates(app, results)
			return nil
		},
	}
}

func printUpdates(app *App, results []version.UpdateResult) {
	t := newTable(app.stdout, "ID", "CURRENT", "LATEST", "AVAILABLE")
	for _, res := range results {
		t.row(res.PluginID, res.Current, orDash(res.Latest), fmt.Sprint(res.Available))
	}
	t.flush()
}

func newUpdateCommand(app *App) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "update [plugin-id...]",
		Short: "Update plugins to their newest compatible release",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("name plugins to update or pass --all")
			}
			m, err := app.Lifecycle(cmd.Context(), false)
			if err != nil {
				return err
			}

			ids := args
			if all {
				results, err := m.CheckUpdates(cmd.Context())
				if err != nil {
					return err
				}
				for _, res := range results {
					if res.Available {
						ids = append(ids, res.PluginID)
					}
				}
				if len(ids) == 0 {
					fmt.Fprintln(app.stdout, "All plugins are up to date")
					return nil
				}
			}

			var failed int
			for _, id := range ids {
				res, err := m.Update(cmd.Context(), id)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(app.stdout, "FAIL  %s: %v\n", id, err)
				case res.Available:
					fmt.Fprintf(app.stdout, "OK    %s: %s -> %s\n", id, res.Current, res.Latest)
				default:
					fmt.Fprintf(app.stdout, "OK    %s: %s is current\n", id, res.Current)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d updates failed", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "update every plugin with an available update")
	return cmd
}

// newLoadCommand drives a runtime action on a running server. Loaded plugins
// live in the serving process, so these commands do not act locally.
func newLoadCommand(app *App, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <plugin-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.Client()
			if err != nil {
				return err
			}
			st, err := c.PluginAction(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			if app.jsonOutput {
				return printJSON(app.stdout, st)
			}
			fmt.Fprintf(app.stdout, "%s is %s\n", st.ID, st.State)
			return nil
		},
	}
}
