package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/funnyzak/recproxy/internal/assets"
	"github.com/funnyzak/recproxy/internal/config"
	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/pkg/recording"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the recordings pinned by an assets.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store assets.Store, assetsJSON string) error {
			started := time.Now()
			dir, err := store.Restore(ctx, assetsJSON)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s in %s\n",
				assetsJSON, dir, time.Since(started).Round(time.Millisecond))
			return nil
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Commit and push changed recordings, then update the pinned SHA",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store assets.Store, assetsJSON string) error {
			if err := store.Push(ctx, assetsJSON); err != nil {
				return err
			}
			cfg, err := assets.ParseConfigurationFile(assetsJSON)
			if err != nil {
				return err
			}
			sha := cfg.SHA
			if sha == "" {
				sha = "(unchanged)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s, pinned SHA %s\n", cfg.AssetsRepo, sha)
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard local changes in the recordings checkout",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		return withStore(cmd, func(ctx context.Context, store assets.Store, assetsJSON string) error {
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
				fmt.Sprintf("Discard all pending changes for %s?", assetsJSON)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Reset cancelled")
				return nil
			}
			if err := store.Reset(ctx, assetsJSON); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", assetsJSON)
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), cfg)
	},
}

var configLocateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Find the assets.json governing a path and print its contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("assets-json-path")
		if target == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			target = wd
		}
		path, err := assets.ResolveAssetsJson(target)
		if err != nil {
			return err
		}
		cfg, err := assets.ParseConfigurationFile(path)
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), cfg)
	},
}

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List recordings under the recordings root",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := "**/*.json"
		if len(args) == 1 {
			pattern = args[0]
		}
		return withStore(cmd, func(ctx context.Context, store assets.Store, assetsJSON string) error {
			root, err := store.Root(ctx, assetsJSON)
			if err != nil {
				return err
			}
			found, err := listRecordings(root, pattern)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range found {
				fmt.Fprintf(out, "%-60s %8s  %d entries\n", rec.Path, humanize.Bytes(uint64(rec.Size)), rec.Entries)
			}
			fmt.Fprintf(out, "%d recording(s) under %s\n", len(found), root)
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{restoreCmd, pushCmd, resetCmd} {
		cmd.Flags().StringP("assets-json-path", "a", "", "Path to the assets.json (required)")
		cmd.MarkFlagRequired("assets-json-path")
	}
	listCmd.Flags().StringP("assets-json-path", "a", "", "Path to an assets.json; lists its checkout instead of the storage location")
	configLocateCmd.Flags().StringP("assets-json-path", "a", "", "File or directory to start the upward search from (default cwd)")
	resetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	configCmd.AddCommand(configShowCmd, configLocateCmd)
}

// withStore loads configuration, builds the asset store and runs fn with
// an absolute assets.json path (empty when the flag was not set).
func withStore(cmd *cobra.Command, fn func(context.Context, assets.Store, string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	store, err := assets.New(cfg, log)
	if err != nil {
		return err
	}

	assetsJSON, _ := cmd.Flags().GetString("assets-json-path")
	if assetsJSON != "" {
		if abs, err := filepath.Abs(assetsJSON); err == nil {
			assetsJSON = abs
		}
	}

	ctx, cancel := commandContext(cmd, cfg)
	defer cancel()
	return fn(ctx, store, assetsJSON)
}

func commandContext(cmd *cobra.Command, cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// Each git step has its own timeout; allow a handful of them.
	if cfg.Assets.Timeout > 0 {
		return context.WithTimeout(ctx, 10*cfg.Assets.Timeout)
	}
	return context.WithCancel(ctx)
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type recordingSummary struct {
	Path    string
	Size    int64
	Entries int
}

// listRecordings expands pattern below root. assets.json descriptors and
// files that do not parse as recordings are skipped.
func listRecordings(root, pattern string) ([]recordingSummary, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	var out []recordingSummary
	for _, rel := range matches {
		if filepath.Base(rel) == assets.AssetsJSONName || strings.HasPrefix(rel, ".") {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		session, err := recording.Load(full)
		if err != nil {
			continue
		}
		out = append(out, recordingSummary{Path: rel, Size: info.Size(), Entries: len(session.Entries)})
	}
	return out, nil
}
