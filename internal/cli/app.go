package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/blender-tools/blender-downloader/internal/config"
	"github.com/blender-tools/blender-downloader/internal/download"
	"github.com/blender-tools/blender-downloader/internal/executables"
	"github.com/blender-tools/blender-downloader/internal/extract"
	"github.com/blender-tools/blender-downloader/internal/httpcache"
	"github.com/blender-tools/blender-downloader/internal/logger"
	"github.com/blender-tools/blender-downloader/internal/platform"
	"github.com/blender-tools/blender-downloader/internal/repository"
	"github.com/blender-tools/blender-downloader/internal/version"
)

// Version is the program version. The request cache is namespaced by it.
const Version = "1.0.0"

// Dependencies bundles the pipeline stages so tests can substitute fakes.
// Zero fields select the real implementations.
type Dependencies struct {
	// NewFetcher builds the HTTP fetcher, cached or direct. The returned
	// close function runs after the command finishes.
	NewFetcher func(cfg *config.Config, noCache bool, log *slog.Logger) (repository.Fetcher, func() error, error)

	// NewResolver builds the repository resolver on top of a fetcher.
	NewResolver func(fetcher repository.Fetcher, cfg *config.Config, log *slog.Logger) VersionResolver

	// ClearCache removes every entry of the request cache.
	ClearCache func(cfg *config.Config) error

	Downloader ReleaseDownloader
	Extract    ExtractFunc
	Locate     LocateFunc
	Verify     func(path string) error

	Stdout io.Writer
	Stderr io.Writer
}

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return NewAppWithDependencies(Dependencies{})
}

// NewAppWithDependencies creates the application with injected pipeline
// stages, used by tests.
func NewAppWithDependencies(deps Dependencies) *cli.App {
	return &cli.App{
		Name:            "blender-downloader",
		Usage:           "Multiplatform Blender portable release downloader",
		ArgsUsage:       "[BLENDER_VERSION]",
		Version:         Version,
		Compiled:        time.Now(),
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output-directory",
				Aliases: []string{"d"},
				Usage:   "directory in which the release will be downloaded",
			},
			&cli.BoolFlag{
				Name:    "extract",
				Aliases: []string{"e"},
				Usage:   "extract the downloaded release archive",
			},
			&cli.BoolFlag{
				Name:    "remove-compressed",
				Aliases: []string{"r"},
				Usage:   "remove the downloaded archive after extraction",
			},
			&cli.BoolFlag{
				Name:    "print-blender-executable",
				Aliases: []string{"b"},
				Usage:   "print the location of the Blender executable to stdout",
			},
			&cli.BoolFlag{
				Name:    "print-python-executable",
				Aliases: []string{"p"},
				Usage:   "print the location of the bundled Python interpreter to stdout",
			},
			&cli.StringFlag{
				Name:    "os",
				Aliases: []string{"o"},
				Usage:   "operative system of the release (linux, macos or windows)",
			},
			&cli.IntFlag{
				Name:  "bits",
				Usage: "operative system bits (32 or 64); Blender v2.80 was the latest with 32-bit support",
			},
			&cli.StringFlag{
				Name:    "arch",
				Aliases: []string{"a"},
				Usage:   "architecture of the build (e.g. arm64 for macOS Apple Silicon)",
			},
			&cli.BoolFlag{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "print available release versions, newest first",
			},
			&cli.IntFlag{
				Name:  "max-versions",
				Usage: "maximum number of versions printed by --list (0 means all)",
			},
			&cli.BoolFlag{
				Name:    "no-cache",
				Aliases: []string{"n"},
				Usage:   "don't use the request cache",
			},
			&cli.BoolFlag{
				Name:    "invalidate-cache",
				Aliases: []string{"c"},
				Usage:   "remove the request cache and exit",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "suppress progress output",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the configuration file",
				EnvVars: []string{"BLENDER_DOWNLOADER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"BLENDER_DOWNLOADER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text or json)",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, deps)
		},
	}
}

func run(c *cli.Context, deps Dependencies) error {
	stdout := deps.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := deps.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	d, err := parseDescriptor(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("remove-compressed") && !c.Bool("extract") {
		return cli.Exit(
			"the option '--remove-compressed' only makes sense passed along with the option '--extract'",
			1,
		)
	}

	if c.Bool("invalidate-cache") {
		clearCache := deps.ClearCache
		if clearCache == nil {
			clearCache = defaultClearCache
		}
		if err := clearCache(cfg); err != nil {
			return cli.Exit(fmt.Sprintf(
				"an error happened clearing the cache: %v\nPlease, submit a report to %s if the problem persists",
				err, repository.NewIssueURL,
			), 1)
		}
		fmt.Fprintln(stdout, "Cache removed successfully!")
		return nil
	}

	newFetcher := deps.NewFetcher
	if newFetcher == nil {
		newFetcher = defaultNewFetcher
	}
	fetcher, closeFetcher, err := newFetcher(cfg, c.Bool("no-cache"), log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() {
		if closeErr := closeFetcher(); closeErr != nil {
			log.Warn("failed to close request cache", "error", closeErr)
		}
	}()

	newResolver := deps.NewResolver
	if newResolver == nil {
		newResolver = defaultNewResolver
	}
	resolver := newResolver(fetcher, cfg, log)

	if c.Bool("list") {
		return listVersions(c, resolver, d, stdout)
	}

	blenderVersion, err := resolveRequestedVersion(c, resolver, d)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	downloadURL, err := resolver.FindDownloadURL(c.Context, blenderVersion, d)
	if err != nil {
		if errors.Is(err, repository.ErrVersionNotFound) {
			return cli.Exit(versionNotFoundMessage(c.Args().First()), 1)
		}
		return cli.Exit(err.Error(), 1)
	}
	log.Debug("resolved download URL", "url", downloadURL, "version", blenderVersion)

	return downloadAndExtract(c, deps, cfg, d, downloadURL, log, stdout, stderr)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		defaultPath, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if c.Bool("quiet") {
		cfg.Quiet = true
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if v := c.String("output-directory"); v != "" {
		cfg.OutputDirectory = v
	}
	return cfg, nil
}

func parseDescriptor(c *cli.Context) (platform.Descriptor, error) {
	d := platform.Current()
	if v := c.String("os"); v != "" {
		osName, err := platform.ParseOS(v)
		if err != nil {
			return platform.Descriptor{}, err
		}
		d.OS = osName
	}
	if c.IsSet("bits") {
		d.Bits = c.Int("bits")
	}
	d.Arch = c.String("arch")
	if err := d.Validate(); err != nil {
		return platform.Descriptor{}, err
	}
	return d, nil
}

// resolveRequestedVersion turns the positional argument into a concrete
// version number. Symbolic identifiers are resolved against the
// repositories; numeric versions from 2.83 on are normalized and have to be
// valid semantic versions.
func resolveRequestedVersion(c *cli.Context, resolver VersionResolver, d platform.Descriptor) (string, error) {
	identifier := strings.ToLower(c.Args().First())
	if identifier == "" {
		return "", errors.New("a Blender version to download is required; pass a version number or one of 'stable', 'lts' and 'nightly'")
	}

	blenderVersion := identifier
	switch identifier {
	case "stable", "lts", "nightly", "daily":
		resolved, err := resolver.ResolveIdentifier(c.Context, identifier)
		if err != nil {
			return "", err
		}
		blenderVersion = resolved
	default:
		if version.Parse(identifier).GreaterEqual(version.Parse("2.83")) {
			blenderVersion = version.Normalize(identifier)
			if err := version.ValidateNormalized(blenderVersion); err != nil {
				return "", fmt.Errorf("invalid Blender version '%s': %w", identifier, err)
			}
		}
	}

	if err := d.CheckBits(version.Parse(blenderVersion)); err != nil {
		return "", err
	}
	return blenderVersion, nil
}

func listVersions(c *cli.Context, resolver VersionResolver, d platform.Descriptor, stdout io.Writer) error {
	max := c.Int("max-versions")
	if max <= 0 {
		max = math.MaxInt
	}

	entries, err := resolver.ListVersions(c.Context, max, d)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, entry := range entries {
		switch entry.Channel {
		case repository.ChannelLatest:
			fmt.Fprintf(stdout, "%s (latest)\n", entry.Version)
		case repository.ChannelStable:
			fmt.Fprintf(stdout, "%s (stable)\n", entry.Version)
		default:
			fmt.Fprintln(stdout, entry.Version)
		}
	}
	return nil
}

func downloadAndExtract(
	c *cli.Context,
	deps Dependencies,
	cfg *config.Config,
	d platform.Descriptor,
	downloadURL string,
	log *slog.Logger,
	stdout, stderr io.Writer,
) error {
	downloader := deps.Downloader
	if downloader == nil {
		downloader = download.New(download.Config{Logger: log})
	}

	filename, err := download.Filename(downloadURL)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	outputDir := cfg.OutputDirectory
	if outputDir == "" {
		outputDir = "."
	}

	dlProgress := newProgressPrinter(stderr, fmt.Sprintf("Downloading '%s'", filename), cfg.Quiet)
	archivePath, err := downloader.Fetch(c.Context, downloadURL, outputDir, dlProgress.Bytes)
	dlProgress.Finish()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if !c.Bool("extract") {
		return nil
	}

	extractFn := deps.Extract
	if extractFn == nil {
		extractFn = extract.Extract
	}

	exProgress := newProgressPrinter(stderr, fmt.Sprintf("Extracting '%s'", filepath.Base(archivePath)), cfg.Quiet)
	root, err := extractFn(c.Context, archivePath, extract.Options{
		OS:       d.OS,
		Progress: exProgress.Count,
		Logger:   log,
	})
	exProgress.Finish()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("print-blender-executable") || c.Bool("print-python-executable") {
		if err := printExecutables(c, deps, root, d.OS, stdout, stderr); err != nil {
			return err
		}
	}

	if c.Bool("remove-compressed") {
		if err := os.Remove(archivePath); err != nil {
			log.Warn("failed to remove the downloaded archive", "path", archivePath, "error", err)
		}
	}
	return nil
}

// printExecutables reports both lookups before failing so the caller sees
// every problem at once.
func printExecutables(c *cli.Context, deps Dependencies, root string, osName platform.OS, stdout, stderr io.Writer) error {
	locate := deps.Locate
	if locate == nil {
		locate = executables.Locate
	}
	verify := deps.Verify
	if verify == nil {
		verify = executables.Verify
	}

	paths := locate(root, osName)
	failed := false

	if c.Bool("print-blender-executable") {
		if err := verify(paths.Blender); err != nil {
			fmt.Fprintf(stderr, "Blender %v\n", err)
			failed = true
		} else {
			fmt.Fprintln(stdout, paths.Blender)
		}
	}
	if c.Bool("print-python-executable") {
		if err := verify(paths.Python); err != nil {
			fmt.Fprintln(stderr, "Builtin Blender Python interpreter executable filepath not found")
			failed = true
		} else {
			fmt.Fprintln(stdout, paths.Python)
		}
	}

	if failed {
		return cli.Exit("", 1)
	}
	return nil
}

func versionNotFoundMessage(identifier string) string {
	return fmt.Sprintf(
		"the release '%s' can't be located in official Blender repositories; make sure that you are passing a valid version\n\n"+
			"If you think that '%s' is a valid release and this is a problem with blender-downloader, please, report it to %s",
		identifier, identifier, repository.NewIssueURL,
	)
}

func defaultNewFetcher(cfg *config.Config, noCache bool, log *slog.Logger) (repository.Fetcher, func() error, error) {
	if noCache || cfg.Cache.Disabled {
		return &httpcache.Direct{}, func() error { return nil }, nil
	}

	path := cfg.Cache.Path
	if path == "" {
		defaultPath, err := httpcache.DefaultPath(Version)
		if err != nil {
			return nil, nil, err
		}
		path = defaultPath
		if err := httpcache.CleanOtherVersions(Version); err != nil {
			log.Warn("failed to clean stale caches", "error", err)
		}
	}

	cache, err := httpcache.Open(httpcache.Config{
		DatabasePath: path,
		TTL:          cfg.Cache.GetTTL(),
		Volatile:     volatileURLs(cfg),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := cache.Expire(); err != nil {
		log.Warn("failed to expire cache entries", "error", err)
	}
	return cache, cache.Close, nil
}

// volatileURLs marks the sources that change daily, so the cache keeps them
// for a shorter time than the immutable historical listings.
func volatileURLs(cfg *config.Config) func(url string) bool {
	dailyBuilds := valueOr(cfg.URLs.DailyBuilds, repository.DefaultDailyBuildsURL)
	dailyArchive := valueOr(cfg.URLs.DailyArchive, repository.DefaultDailyArchiveURL)
	manifest := valueOr(cfg.URLs.Manifest, repository.DefaultManifestURL)
	return func(url string) bool {
		return strings.HasPrefix(url, dailyBuilds) ||
			strings.HasPrefix(url, dailyArchive) ||
			url == manifest
	}
}

func valueOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultNewResolver(fetcher repository.Fetcher, cfg *config.Config, log *slog.Logger) VersionResolver {
	return repository.New(repository.Config{
		Fetcher:         fetcher,
		Logger:          log,
		ReleaseBaseURL:  cfg.URLs.ReleaseBase,
		DailyBuildsURL:  cfg.URLs.DailyBuilds,
		DailyArchiveURL: cfg.URLs.DailyArchive,
		ManifestURL:     cfg.URLs.Manifest,
	})
}

func defaultClearCache(cfg *config.Config) error {
	path := cfg.Cache.Path
	if path == "" {
		defaultPath, err := httpcache.DefaultPath(Version)
		if err != nil {
			return err
		}
		path = defaultPath
	}

	cache, err := httpcache.Open(httpcache.Config{DatabasePath: path})
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()
	return cache.Clear()
}
