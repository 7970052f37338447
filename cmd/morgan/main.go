package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/morgan-mirror/morgan/internal/config"
	"github.com/morgan-mirror/morgan/internal/engine"
	"github.com/morgan-mirror/morgan/internal/envinfo"
	"github.com/morgan-mirror/morgan/internal/environment"
	"github.com/morgan-mirror/morgan/internal/fetch"
	"github.com/morgan-mirror/morgan/internal/requirement"
	"github.com/morgan-mirror/morgan/internal/selector"
	"github.com/morgan-mirror/morgan/internal/server"
	"github.com/morgan-mirror/morgan/internal/simpleindex"
)

var version = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "morgan",
		Short:         "A local PyPI mirror for air-gapped and restricted environments",
		Long:          "morgan mirrors the package files a set of requirements needs, walking their dependency closure against one or more target environments, onto local disk for offline installs.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(
		newMirrorCmd(),
		newCopyServerCmd(),
		newGenerateEnvCmd(),
		newGenerateReqsCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	return rootCmd.Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print morgan's version",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(version)

			return nil
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror [requirements...]",
		Short: "Mirror the dependency closure of one or more requirements",
		RunE:  runMirror,
	}

	cmd.Flags().StringP("index-path", "i", ".", "Mirror root directory")
	cmd.Flags().StringP("index-url", "I", "https://pypi.org/simple/", "Upstream Simple API base URL")
	cmd.Flags().StringP("config", "c", "", "Path to a morgan.ini configuration file (default <index-path>/morgan.ini)")
	cmd.Flags().Bool("skip-server-copy", false, "Skip copying server.py into the index")
	cmd.Flags().BoolP("mirror-all-versions", "a", false, "Mirror every satisfying version of a top-level requirement, not just the newest")
	cmd.Flags().BoolP("mirror-all-wheels", "W", false, "Mirror every compatible wheel for a version, not just the best-scoring one")
	cmd.Flags().String("package-type-regex", selector.DefaultPackageTypeRegex, "Regex a distribution filename's extension must match to be considered")
	cmd.Flags().Int("max-workers", 4, "Max concurrent downloads within one release")

	return cmd
}

func runMirror(cmd *cobra.Command, args []string) error {
	indexPath, _ := cmd.Flags().GetString("index-path")
	indexURL, _ := cmd.Flags().GetString("index-url")
	cfgPath, _ := cmd.Flags().GetString("config")
	skipServerCopy, _ := cmd.Flags().GetBool("skip-server-copy")
	mirrorAllVersions, _ := cmd.Flags().GetBool("mirror-all-versions")
	mirrorAllWheels, _ := cmd.Flags().GetBool("mirror-all-wheels")
	packageTypeRegex, _ := cmd.Flags().GetString("package-type-regex")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	verbose, _ := cmd.Flags().GetBool("verbose")

	logger := newLogger(verbose)

	if !cmd.Flags().Changed("config") {
		defaultCfgPath := filepath.Join(indexPath, "morgan.ini")

		if _, err := os.Stat(defaultCfgPath); err == nil {
			cfgPath = defaultCfgPath
		}
	}

	requirements := args

	var envs []environment.Environment

	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		envs = cfg.Environments

		for name, suffixes := range cfg.Requirements {
			for _, suffix := range suffixes {
				requirements = append(requirements, name+suffix)
			}
		}
	}

	if len(envs) == 0 {
		return fmt.Errorf("no target environments configured; pass -c/--config with at least one [env.<name>] section")
	}

	if len(requirements) == 0 {
		return fmt.Errorf("no requirements to mirror; pass them as arguments or via -c/--config's [requirements] section")
	}

	packageTypePattern, err := regexp.Compile(packageTypeRegex)
	if err != nil {
		return fmt.Errorf("compiling --package-type-regex: %w", err)
	}

	if err := os.MkdirAll(indexPath, 0o755); err != nil {
		return fmt.Errorf("creating index path: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	index := simpleindex.New(
		simpleindex.WithHTTPClient(httpClient),
		simpleindex.WithIndexURL(indexURL),
		simpleindex.WithLogger(logger),
	)
	fetcher := fetch.New(
		fetch.WithHTTPClient(httpClient),
		fetch.WithLogger(logger),
		fetch.WithMaxWorkers(maxWorkers),
	)

	eng := engine.New(index, fetcher, envs, indexPath,
		engine.WithLogger(logger),
		engine.WithSelectorOptions(selector.Options{
			PackageTypeRegex:  packageTypePattern,
			MirrorAllWheels:   mirrorAllWheels,
			MirrorAllVersions: mirrorAllVersions,
		}),
	)

	for _, raw := range requirements {
		req, err := requirement.Parse(raw)
		if err != nil {
			logger.Error("skipping malformed requirement", slog.String("requirement", raw), slog.String("error", err.Error()))

			continue
		}

		if err := eng.Mirror(ctx, req); err != nil {
			return fmt.Errorf("mirroring %s: %w", raw, err)
		}
	}

	if !skipServerCopy {
		if err := server.CopyScript(indexPath); err != nil {
			return fmt.Errorf("copying server script: %w", err)
		}
	}

	if cfgPath != "" {
		if err := copyConfig(cfgPath, indexPath); err != nil {
			return fmt.Errorf("copying config into index: %w", err)
		}
	}

	return nil
}

func copyConfig(cfgPath, indexPath string) error {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(indexPath, "morgan.ini"), data, 0o644)
}

func newCopyServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy_server",
		Short: "Install the static server script into a mirror's index path",
		RunE:  runCopyServer,
	}

	cmd.Flags().StringP("index-path", "i", "./index", "Mirror root directory")

	return cmd
}

func runCopyServer(cmd *cobra.Command, _ []string) error {
	indexPath, _ := cmd.Flags().GetString("index-path")

	if err := os.MkdirAll(indexPath, 0o755); err != nil {
		return fmt.Errorf("creating index path: %w", err)
	}

	return server.CopyScript(indexPath)
}

func newGenerateEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate_env",
		Short: "Print a morgan.ini [env.<name>.*] block for this machine's Python",
		RunE:  runGenerateEnv,
	}

	cmd.Flags().StringP("env", "e", "local", "Name of the environment to configure")
	cmd.Flags().String("python", "python3", "Python binary to inspect")

	return cmd
}

func runGenerateEnv(cmd *cobra.Command, _ []string) error {
	envName, _ := cmd.Flags().GetString("env")
	pythonBin, _ := cmd.Flags().GetString("python")

	svc := envinfo.New(envinfo.WithPythonBin(pythonBin))

	info, err := svc.Detect(context.Background())
	if err != nil {
		return fmt.Errorf("detecting python environment: %w", err)
	}

	fmt.Print(envinfo.GenerateEnv(info, envName))

	return nil
}

func newGenerateReqsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate_reqs",
		Short: "Print a morgan.ini [requirements] block pinned to this machine's installed packages",
		RunE:  runGenerateReqs,
	}

	cmd.Flags().StringP("mode", "m", ">=", "Versioning mode: >=, ==, or <=")
	cmd.Flags().String("python", "python3", "Python binary to inspect")

	return cmd
}

func runGenerateReqs(cmd *cobra.Command, _ []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	pythonBin, _ := cmd.Flags().GetString("python")

	if !envinfo.ValidMode(mode) {
		return fmt.Errorf("invalid --mode %q: must be one of >=, ==, <=", mode)
	}

	svc := envinfo.New(envinfo.WithPythonBin(pythonBin))

	dists, err := svc.Distributions(context.Background())
	if err != nil {
		return fmt.Errorf("listing installed distributions: %w", err)
	}

	fmt.Print(envinfo.GenerateReqs(dists, mode))

	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a mirrored index over HTTP",
		RunE:  runServe,
	}

	cmd.Flags().StringP("index-path", "i", "./index", "Mirror root directory to serve")
	cmd.Flags().StringP("config", "c", "", "Optional morgan.ini to load [env.<name>] whl.tag filters from")
	cmd.Flags().String("host", "0.0.0.0", "Host to bind")
	cmd.Flags().IntP("port", "p", 8000, "Port to bind")
	cmd.Flags().Bool("no-metadata", false, "Do not serve .metadata sidecar files")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	indexPath, _ := cmd.Flags().GetString("index-path")
	cfgPath, _ := cmd.Flags().GetString("config")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	noMetadata, _ := cmd.Flags().GetBool("no-metadata")
	verbose, _ := cmd.Flags().GetBool("verbose")

	logger := newLogger(verbose)

	var envs []environment.Environment

	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		envs = cfg.Environments
	}

	srv := server.New(indexPath,
		server.WithLogger(logger),
		server.WithEnvironments(envs),
		server.WithNoMetadata(noMetadata),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return srv.Run(ctx, fmt.Sprintf("%s:%d", host, port))
}
