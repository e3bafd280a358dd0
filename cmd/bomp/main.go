// cmd/bomp/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"bomp/internal/config"
	bomperr "bomp/internal/errors"
	"bomp/internal/logging"
	"bomp/internal/project"
	"bomp/internal/versioning"
	"bomp/shared/types"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logger = zap.NewNop()

	configPath string
	repoPath   string
	logLevel   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "bomp",
	Short: "Bump version strings across a project",
	Long: `bomp replaces a version in every configured file, Cargo manifests and lock
files included, and can commit and tag the result without staging anything.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogger,
}

func setupLogger(cmd *cobra.Command, args []string) error {
	l, err := logging.NewLogger(logLevel, verbose)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger = l.Logger
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: bomp.yaml or .config/bomp.yaml)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repository", "r", "", "Project root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Development logging with caller information")

	var rawDryRun bool
	rawBumpCmd := &cobra.Command{
		Use:   "raw-bump OLD NEW",
		Short: "Replace one version with another in the configured files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			r := shared.VersionReplacement{OldVersion: args[0], NewVersion: args[1]}
			report, err := p.RawBump(cmd.Context(), r, rawDryRun)
			printReport(report)
			return err
		},
	}
	rawBumpCmd.Flags().BoolVarP(&rawDryRun, "dry-run", "n", false, "Show the changes without writing them")

	var (
		bumpDryRun bool
		major      bool
		minor      bool
		patch      bool
		automatic  bool
		version    string
	)
	bumpCmd := &cobra.Command{
		Use:   "bump",
		Short: "Bump from the latest version tag, then commit and tag",
		Long: `Finds the latest semantic version tag (0.0.0 when there is none), derives the
next version, rewrites the configured files, commits them on the current
branch and tags the commit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			opts := project.BumpOptions{DryRun: bumpDryRun, Automatic: automatic}
			switch {
			case major:
				opts.Increment = versioning.Major
			case minor:
				opts.Increment = versioning.Minor
			case patch:
				opts.Increment = versioning.Patch
			case version != "":
				opts.Increment = versioning.Manual
				opts.Version = version
			}
			report, err := p.Bump(cmd.Context(), opts)
			printReport(report)
			return err
		},
	}
	bumpCmd.Flags().BoolVarP(&bumpDryRun, "dry-run", "n", false, "Show the changes without committing or writing them")
	bumpCmd.Flags().BoolVar(&major, "major", false, "Bump the major version")
	bumpCmd.Flags().BoolVar(&minor, "minor", false, "Bump the minor version")
	bumpCmd.Flags().BoolVar(&patch, "patch", false, "Bump the patch version")
	bumpCmd.Flags().BoolVar(&automatic, "automatic", false, "Derive the bump from conventional commit messages")
	bumpCmd.Flags().StringVar(&version, "version", "", "Use this exact version")
	bumpCmd.MarkFlagsMutuallyExclusive("major", "minor", "patch", "automatic", "version")
	bumpCmd.MarkFlagsOneRequired("major", "minor", "patch", "automatic", "version")

	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and restore recorded apply runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			runs, err := p.Runs()
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No recorded runs")
				return nil
			}
			for _, run := range runs {
				printRun(run)
			}
			return nil
		},
	}

	var restoreDryRun bool
	restoreCmd := &cobra.Command{
		Use:   "restore RUN_ID",
		Short: "Write back the files a run replaced, as they were before it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			out, err := p.Restore(cmd.Context(), args[0], restoreDryRun)
			printReport(&project.Report{Outcome: out})
			return err
		},
	}
	restoreCmd.Flags().BoolVarP(&restoreDryRun, "dry-run", "n", false, "Show the changes without writing them")

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget finished runs and their stored pre-images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			n, err := p.Prune(time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("pruning journal: %w", err)
			}
			fmt.Printf("Pruned %d run(s)\n", n)
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Only prune runs started before this long ago")

	journalCmd.AddCommand(listCmd)
	journalCmd.AddCommand(restoreCmd)
	journalCmd.AddCommand(pruneCmd)

	rootCmd.AddCommand(rawBumpCmd)
	rootCmd.AddCommand(bumpCmd)
	rootCmd.AddCommand(journalCmd)
}

// loadProject resolves the root and config from flags and the working
// directory. This is the only place process state is read.
func loadProject() (*project.Context, error) {
	root := repoPath
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting current directory: %w", err)
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	path := configPath
	if path == "" {
		if path, err = config.Find(root); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if logLevel == "" && cfg.LogLevel != "" {
		l, err := logging.NewLogger(cfg.LogLevel, verbose)
		if err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
		logger = l.Logger
	}
	logger.Debug("Loaded config", zap.String("path", path), zap.String("root", root))

	return &project.Context{Root: root, Config: cfg, Logger: logger}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprint(os.Stderr, "error: ")
	fmt.Fprintln(os.Stderr, err)

	if e, ok := bomperr.As(err); ok && e.Type == bomperr.ErrorTypePartialApply {
		fmt.Fprintln(os.Stderr, "Files already replaced:")
		for _, p := range e.Paths {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
		fmt.Fprintln(os.Stderr, "Files left untouched:")
		for _, p := range e.Pending {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
	}
}
