package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/berth/pkg/bpkg"
	"github.com/platinummonkey/berth/pkg/plugins"
)

// MetadataFile is the descriptor pack reads from the source directory
const MetadataFile = "plugin.yaml"

// packageDescriptor is the YAML layout of MetadataFile: plugin metadata
// plus optional install hooks
type packageDescriptor struct {
	plugins.Metadata `yaml:",inline"`
	PreInstall       []bpkg.Step `yaml:"preInstall,omitempty"`
	PostInstall      []bpkg.Step `yaml:"postInstall,omitempty"`
	PreUninstall     []bpkg.Step `yaml:"preUninstall,omitempty"`
	PostUninstall    []bpkg.Step `yaml:"postUninstall,omitempty"`
}

func readDescriptor(path string) (*packageDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin descriptor: %w", err)
	}
	var desc packageDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse plugin descriptor %s: %w", path, err)
	}
	return &desc, nil
}

func newPackCommand(app *App) *cobra.Command {
	var (
		metadataPath string
		output       string
		keyPath      string
		certPath     string
		algorithm    string
	)

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Build a .bpkg package from a plugin directory",
		Long: `Build a .bpkg package from a plugin directory.

The directory must contain ` + MetadataFile + ` with the plugin metadata. Every
regular file under the directory is packaged. Pass --key and --cert to sign
the package.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if metadataPath == "" {
				metadataPath = filepath.Join(dir, MetadataFile)
			}
			desc, err := readDescriptor(metadataPath)
			if err != nil {
				return err
			}

			opts := bpkg.CreateOptions{
				OutputPath:    output,
				PreInstall:    desc.PreInstall,
				PostInstall:   desc.PostInstall,
				PreUninstall:  desc.PreUninstall,
				PostUninstall: desc.PostUninstall,
			}
			switch {
			case keyPath != "" && certPath != "":
				signer, err := bpkg.LoadSigner(keyPath, certPath, algorithm)
				if err != nil {
					return err
				}
				opts.Signer = signer
			case keyPath != "" || certPath != "":
				return fmt.Errorf("--key and --cert must be given together")
			}

			packages, err := app.Packages()
			if err != nil {
				return err
			}
			path, err := packages.Create(cmd.Context(), dir, desc.Metadata, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Created %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&metadataPath, "metadata", "", "plugin descriptor (default <dir>/"+MetadataFile+")")
	cmd.Flags().StringVarP(&output, "output", "o", "", "package file to write (default <id>-<version>.bpkg next to <dir>)")
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM RSA private key used to sign")
	cmd.Flags().StringVar(&certPath, "cert", "", "PEM certificate matching --key")
	cmd.Flags().StringVar(&algorithm, "algorithm", bpkg.AlgorithmRSASHA256, "signature algorithm")
	return cmd
}

func newInspectCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <package>",
		Short: "Print the manifest of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packages, err := app.Packages()
			if err != nil {
				return err
			}
			pkg, err := packages.Parse(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if app.jsonOutput {
				return printJSON(app.stdout, pkg.Manifest)
			}
			printManifest(app, pkg.Manifest)
			return nil
		},
	}
}

func printManifest(app *App, m *bpkg.Manifest) {
	meta := m.Metadata
	w := app.stdout
	fmt.Fprintf(w, "ID:          %s\n", meta.ID)
	fmt.Fprintf(w, "Name:        %s\n", meta.Name)
	fmt.Fprintf(w, "Version:     %s\n", meta.Version)
	fmt.Fprintf(w, "Runtime:     %s\n", orDash(string(meta.Runtime)))
	fmt.Fprintf(w, "Entry:       %s\n", orDash(meta.Entry))
	fmt.Fprintf(w, "Author:      %s\n", orDash(meta.Author))
	if meta.MinHostVersion != "" || meta.MaxHostVersion != "" {
		fmt.Fprintf(w, "Host:        %s - %s\n", orDash(meta.MinHostVersion), orDash(meta.MaxHostVersion))
	}
	for _, dep := range meta.Dependencies {
		fmt.Fprintf(w, "Depends on:  %s [%s, %s]\n", dep.Name, orDash(dep.MinVersion), orDash(dep.MaxVersion))
	}
	fmt.Fprintf(w, "Checksum:    %s\n", m.Checksum)
	fmt.Fprintf(w, "Size:        %s\n", formatBytes(m.Size))
	if m.Signature != nil {
		fmt.Fprintf(w, "Signed:      %s at %s\n", m.Signature.Algorithm, formatTime(&m.Signature.SignedAt))
	} else {
		fmt.Fprintln(w, "Signed:      no")
	}
	fmt.Fprintf(w, "Files:       %d\n", len(m.Files))
	for _, f := range m.Files {
		fmt.Fprintf(w, "  %-40s %s\n", f.Path, formatBytes(f.Size))
	}
}

func newVerifyCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <package>...",
		Short: "Check package integrity and signatures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packages, err := app.Packages()
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				pkg, err := packages.Verify(cmd.Context(), path)
				if err != nil {
					failed++
					fmt.Fprintf(app.stdout, "FAIL  %s: %v\n", path, err)
					continue
				}
				signed := "unsigned"
				if pkg.Manifest.Signature != nil {
					signed = "signed"
				}
				meta := pkg.Metadata()
				fmt.Fprintf(app.stdout, "OK    %s: %s %s (%s)\n", path, meta.ID, meta.Version, signed)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d packages failed verification", failed, len(args))
			}
			return nil
		},
	}
}
