package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/berth/pkg/repository"
)

func newRepoCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage plugin repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newRepoAddCommand(app),
		newRepoRemoveCommand(app),
		newRepoListCommand(app),
		newRepoSyncCommand(app),
		newRepoToggleCommand(app, "enable", true),
		newRepoToggleCommand(app, "disable", false),
	)
	return cmd
}

func newRepoAddCommand(app *App) *cobra.Command {
	var (
		desc     repository.Descriptor
		typ      string
		authType string
		scopes   []string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add <id> <url>",
		Short: "Add a repository",
		Long: `Add a repository.

The source type is inferred from the URL when --type is not given: s3:// URLs
are S3 buckets, http(s) URLs are catalog endpoints and anything else is a
catalog file or directory on disk.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc.ID = args[0]
			desc.URL = args[1]
			desc.Type = repository.SourceType(typ)
			desc.Enabled = !disabled
			desc.Auth.Type = repository.AuthType(authType)
			desc.Auth.Scopes = scopes

			repos, err := app.Repositories(cmd.Context())
			if err != nil {
				return err
			}
			repo, err := repos.Add(cmd.Context(), desc)
			if err != nil {
				return err
			}
			d := repo.Descriptor()
			fmt.Fprintf(app.stdout, "Added %s repository %s (%s)\n", d.Type, d.ID, d.URL)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&desc.Name, "name", "", "display name")
	f.StringVar(&typ, "type", "", "source type: http, file or s3")
	f.IntVar(&desc.Priority, "priority", 0, "lower numbers win when repositories list the same plugin")
	f.BoolVar(&disabled, "disabled", false, "add the repository disabled")
	f.StringVar(&authType, "auth", "", "authentication: none, bearer, basic or oauth2")
	f.StringVar(&desc.Auth.Token, "token", "", "bearer token")
	f.StringVar(&desc.Auth.Username, "username", "", "basic auth user")
	f.StringVar(&desc.Auth.Password, "password", "", "basic auth password")
	f.StringVar(&desc.Auth.ClientID, "client-id", "", "OAuth2 client id")
	f.StringVar(&desc.Auth.ClientSecret, "client-secret", "", "OAuth2 client secret")
	f.StringVar(&desc.Auth.TokenURL, "token-url", "", "OAuth2 token endpoint")
	f.StringSliceVar(&scopes, "scopes", nil, "OAuth2 scopes")
	f.StringVar(&desc.Auth.Region, "region", "", "S3 region")
	f.StringVar(&desc.Auth.AccessKey, "access-key", "", "S3 access key")
	f.StringVar(&desc.Auth.SecretKey, "secret-key", "", "S3 secret key")
	f.StringVar(&desc.Auth.Endpoint, "endpoint", "", "S3-compatible endpoint")
	return cmd
}

func newRepoRemoveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a repository",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := app.Repositories(cmd.Context())
			if err != nil {
				return err
			}
			if err := repos.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Removed repository %s\n", args[0])
			return nil
		},
	}
}

func newRepoListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List repositories in priority order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := app.Repositories(cmd.Context())
			if err != nil {
				return err
			}
			list := repos.List()
			if app.jsonOutput {
				return printJSON(app.stdout, list)
			}
			t := newTable(app.stdout, "ID", "TYPE", "PRIORITY", "ENABLED", "SYNC", "LAST SYNC", "URL")
			for _, d := range list {
				t.row(d.ID, string(d.Type), fmt.Sprint(d.Priority), fmt.Sprint(d.Enabled),
					orDash(string(d.SyncStatus)), formatTime(d.LastSync), d.URL)
			}
			return t.flush()
		},
	}
}

func newRepoSyncCommand(app *App) *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "sync [id...]",
		Short: "Refresh repository catalogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := app.Repositories(cmd.Context())
			if err != nil {
				return err
			}

			var failed []string
			if len(args) == 0 {
				for _, res := range repos.SyncAll(cmd.Context(), !cached) {
					if res.Err != nil {
						failed = append(failed, res.ID)
						fmt.Fprintf(app.stdout, "FAIL  %s: %v\n", res.ID, res.Err)
						continue
					}
					fmt.Fprintf(app.stdout, "OK    %s: %d plugins\n", res.ID, res.Plugins)
				}
			} else {
				for _, id := range args {
					if err := repos.Sync(cmd.Context(), id, !cached); err != nil {
						failed = append(failed, id)
						fmt.Fprintf(app.stdout, "FAIL  %s: %v\n", id, err)
						continue
					}
					fmt.Fprintf(app.stdout, "OK    %s\n", id)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("sync failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "skip repositories whose catalog is still fresh")
	return cmd
}

func newRepoToggleCommand(app *App, name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := app.Repositories(cmd.Context())
			if err != nil {
				return err
			}
			if err := repos.SetEnabled(args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Repository %s %sd\n", args[0], name)
			return nil
		},
	}
}

func newSearchCommand(app *App) *cobra.Command {
	var (
		filters      repository.Filters
		statuses     []string
		verification []string
		paid         string
		sortBy       string
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the merged catalog of all enabled repositories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var query string
			if len(args) == 1 {
				query = args[0]
			}
			filters.Paid = repository.PaidFilter(paid)
			filters.SortBy = repository.SortField(sortBy)
			for _, s := range statuses {
				filters.ReleaseStatus = append(filters.ReleaseStatus, repository.ReleaseStatus(s))
			}
			for _, v := range verification {
				filters.Verification = append(filters.Verification, repository.Verification(v))
			}

			repos, err := app.Repositories(cmd.Context())
			if err != nil {
				return err
			}
			page, err := repos.Search(cmd.Context(), query, filters)
			if err != nil {
				return err
			}
			if app.jsonOutput {
				return printJSON(app.stdout, page)
			}

			t := newTable(app.stdout, "ID", "NAME", "LATEST", "RATING", "STATUS", "REPOSITORY")
			for _, p := range page.Plugins {
				t.row(p.ID, p.Name, orDash(p.LatestVersion()), fmt.Sprintf("%.1f", p.Rating),
					orDash(string(p.ReleaseStatus)), p.Repository)
			}
			if err := t.flush(); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "\nPage %d, %d of %d results\n", page.Page, len(page.Plugins), page.Total)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&filters.Category, "category", "", "only plugins in this category")
	f.StringSliceVar(&filters.Tags, "tags", nil, "only plugins carrying all of these tags")
	f.StringVar(&filters.Author, "author", "", "only plugins by this author")
	f.Float64Var(&filters.MinRating, "min-rating", 0, "minimum rating")
	f.StringSliceVar(&statuses, "status", nil, "release statuses to include")
	f.StringSliceVar(&verification, "verification", nil, "verification levels to include")
	f.StringVar(&paid, "paid", "", "free, paid or any")
	f.StringVar(&sortBy, "sort", "", "sort field: name, downloads, rating, updated or published")
	f.BoolVar(&filters.Descending, "desc", false, "sort descending")
	f.IntVar(&filters.Page, "page", 1, "result page")
	f.IntVar(&filters.PageSize, "page-size", repository.DefaultPageSize, "results per page")
	return cmd
}
