package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	urfavecli "github.com/urfave/cli/v2"

	"github.com/blender-tools/blender-downloader/internal/config"
	"github.com/blender-tools/blender-downloader/internal/download"
	"github.com/blender-tools/blender-downloader/internal/executables"
	"github.com/blender-tools/blender-downloader/internal/extract"
	"github.com/blender-tools/blender-downloader/internal/platform"
	"github.com/blender-tools/blender-downloader/internal/repository"
)

type fakeResolver struct {
	identifierVersion string
	downloadURL       string
	findErr           error
	entries           []repository.VersionEntry

	findCalls []string
}

func (f *fakeResolver) ResolveIdentifier(ctx context.Context, identifier string) (string, error) {
	if f.identifierVersion == "" {
		return "", errors.New("no identifier version configured")
	}
	return f.identifierVersion, nil
}

func (f *fakeResolver) FindDownloadURL(ctx context.Context, blenderVersion string, d platform.Descriptor) (string, error) {
	f.findCalls = append(f.findCalls, blenderVersion)
	if f.findErr != nil {
		return "", f.findErr
	}
	return f.downloadURL, nil
}

func (f *fakeResolver) ListVersions(ctx context.Context, max int, d platform.Descriptor) ([]repository.VersionEntry, error) {
	if max < len(f.entries) {
		return f.entries[:max], nil
	}
	return f.entries, nil
}

type fakeDownloader struct {
	calls []string
}

func (f *fakeDownloader) Fetch(ctx context.Context, downloadURL, outputDir string, progress download.ProgressFunc) (string, error) {
	f.calls = append(f.calls, downloadURL)
	filename, err := download.Filename(downloadURL)
	if err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, filename)
	if err := os.WriteFile(path, []byte("archive"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type testApp struct {
	app    *urfavecli.App
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestApp(t *testing.T, deps Dependencies) *testApp {
	t.Helper()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	deps.Stdout = stdout
	deps.Stderr = stderr
	if deps.NewFetcher == nil {
		deps.NewFetcher = func(*config.Config, bool, *slog.Logger) (repository.Fetcher, func() error, error) {
			fetch := repository.FetchFunc(func(context.Context, string) ([]byte, error) {
				return nil, errors.New("network disabled in tests")
			})
			return fetch, func() error { return nil }, nil
		}
	}

	app := NewAppWithDependencies(deps)
	app.Writer = stdout
	app.ErrWriter = stderr
	app.ExitErrHandler = func(*urfavecli.Context, error) {}
	return &testApp{app: app, stdout: stdout, stderr: stderr}
}

// runArgs prepends the binary name and a config path pointing at a missing
// file so every test starts from the default configuration.
func (ta *testApp) run(t *testing.T, args ...string) error {
	t.Helper()

	argv := append(
		[]string{"blender-downloader", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--quiet"},
		args...,
	)
	return ta.app.Run(argv)
}

func TestRunListVersions(t *testing.T) {
	resolver := &fakeResolver{
		entries: []repository.VersionEntry{
			{Version: "3.1.0", Channel: repository.ChannelLatest},
			{Version: "3.0.0", Channel: repository.ChannelStable},
			{Version: "2.93.0"},
		},
	}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
	})

	if err := ta.run(t, "--list", "--os", "linux", "--bits", "64"); err != nil {
		t.Fatalf("run error = %v", err)
	}

	want := "3.1.0 (latest)\n3.0.0 (stable)\n2.93.0\n"
	if ta.stdout.String() != want {
		t.Errorf("stdout = %q, want %q", ta.stdout.String(), want)
	}
}

func TestRunListVersionsTruncated(t *testing.T) {
	resolver := &fakeResolver{
		entries: []repository.VersionEntry{
			{Version: "3.1.0", Channel: repository.ChannelLatest},
			{Version: "3.0.0", Channel: repository.ChannelStable},
		},
	}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
	})

	if err := ta.run(t, "--list", "--max-versions", "1", "--os", "linux", "--bits", "64"); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if want := "3.1.0 (latest)\n"; ta.stdout.String() != want {
		t.Errorf("stdout = %q, want %q", ta.stdout.String(), want)
	}
}

func TestRunDownloadsRelease(t *testing.T) {
	resolver := &fakeResolver{
		downloadURL: "https://download.blender.org/release/Blender2.93/blender-2.93.0-linux-x64.tar.xz",
	}
	downloader := &fakeDownloader{}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
		Downloader:  downloader,
	})

	outputDir := t.TempDir()
	if err := ta.run(t, "--os", "linux", "--bits", "64", "-d", outputDir, "2.93"); err != nil {
		t.Fatalf("run error = %v", err)
	}

	if len(resolver.findCalls) != 1 || resolver.findCalls[0] != "2.93.0" {
		t.Errorf("FindDownloadURL calls = %v, want [2.93.0]", resolver.findCalls)
	}
	if len(downloader.calls) != 1 {
		t.Fatalf("downloader calls = %d, want 1", len(downloader.calls))
	}
	if _, err := os.Stat(filepath.Join(outputDir, "blender-2.93.0-linux-x64.tar.xz")); err != nil {
		t.Errorf("downloaded archive missing: %v", err)
	}
}

func TestRunExtractAndPrintExecutables(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{
		downloadURL: "https://download.blender.org/release/Blender2.93/blender-2.93.0-linux-x64.tar.xz",
	}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
		Downloader:  &fakeDownloader{},
		Extract: func(ctx context.Context, archivePath string, opts extract.Options) (string, error) {
			return root, nil
		},
		Locate: func(gotRoot string, osName platform.OS) executables.Paths {
			return executables.Paths{
				Blender: filepath.Join(gotRoot, "blender"),
				Python:  filepath.Join(gotRoot, "bin", "python3.9"),
			}
		},
		Verify: func(string) error { return nil },
	})

	outputDir := t.TempDir()
	err := ta.run(t, "--os", "linux", "--bits", "64", "-d", outputDir, "-e", "-b", "-p", "-r", "2.93")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	wantLines := []string{
		filepath.Join(root, "blender"),
		filepath.Join(root, "bin", "python3.9"),
	}
	got := strings.Split(strings.TrimSpace(ta.stdout.String()), "\n")
	if len(got) != 2 || got[0] != wantLines[0] || got[1] != wantLines[1] {
		t.Errorf("stdout lines = %v, want %v", got, wantLines)
	}

	// --remove-compressed deletes the archive after extraction.
	if _, err := os.Stat(filepath.Join(outputDir, "blender-2.93.0-linux-x64.tar.xz")); !os.IsNotExist(err) {
		t.Errorf("archive still present: stat error = %v", err)
	}
}

func TestRunPrintExecutablesReportsBothFailures(t *testing.T) {
	resolver := &fakeResolver{
		downloadURL: "https://download.blender.org/release/Blender2.93/blender-2.93.0-linux-x64.tar.xz",
	}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
		Downloader:  &fakeDownloader{},
		Extract: func(context.Context, string, extract.Options) (string, error) {
			return t.TempDir(), nil
		},
		Locate: func(string, platform.OS) executables.Paths { return executables.Paths{} },
	})

	err := ta.run(t, "--os", "linux", "--bits", "64", "-d", t.TempDir(), "-e", "-b", "-p", "2.93")
	if err == nil {
		t.Fatal("run error = nil, want failure")
	}
	if !strings.Contains(ta.stderr.String(), "Blender") ||
		!strings.Contains(ta.stderr.String(), "Python interpreter") {
		t.Errorf("stderr = %q, want both lookups reported", ta.stderr.String())
	}
}

func TestRunRemoveCompressedRequiresExtract(t *testing.T) {
	ta := newTestApp(t, Dependencies{})
	err := ta.run(t, "--os", "linux", "--bits", "64", "-r", "2.93")
	if err == nil || !strings.Contains(err.Error(), "--extract") {
		t.Errorf("run error = %v, want extract requirement", err)
	}
}

func TestRunInvalidOS(t *testing.T) {
	ta := newTestApp(t, Dependencies{})
	if err := ta.run(t, "--os", "beos", "2.93"); err == nil {
		t.Error("run error = nil, want invalid OS error")
	}
}

func TestRunInvalidBits(t *testing.T) {
	ta := newTestApp(t, Dependencies{})
	if err := ta.run(t, "--os", "linux", "--bits", "16", "2.93"); err == nil {
		t.Error("run error = nil, want invalid bits error")
	}
}

func TestRun32BitRejectedAboveLastSupported(t *testing.T) {
	resolver := &fakeResolver{downloadURL: "https://example.org/blender-2.93.0-linux-x64.tar.xz"}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
	})

	err := ta.run(t, "--os", "linux", "--bits", "32", "2.93")
	if err == nil || !strings.Contains(err.Error(), "32 bits") {
		t.Errorf("run error = %v, want 32-bit rejection", err)
	}
	if len(resolver.findCalls) != 0 {
		t.Errorf("FindDownloadURL called %d times, want 0", len(resolver.findCalls))
	}
}

func TestRunVersionNotFound(t *testing.T) {
	resolver := &fakeResolver{findErr: repository.ErrVersionNotFound}
	ta := newTestApp(t, Dependencies{
		NewResolver: func(repository.Fetcher, *config.Config, *slog.Logger) VersionResolver { return resolver },
	})

	err := ta.run(t, "--os", "linux", "--bits", "64", "2.93")
	if err == nil || !strings.Contains(err.Error(), "can't be located") {
		t.Errorf("run error = %v, want not-found message", err)
	}
}

func TestRunMissingVersionArgument(t *testing.T) {
	ta := newTestApp(t, Dependencies{})
	if err := ta.run(t, "--os", "linux", "--bits", "64"); err == nil {
		t.Error("run error = nil, want missing version error")
	}
}

func TestRunInvalidateCache(t *testing.T) {
	cleared := false
	ta := newTestApp(t, Dependencies{
		ClearCache: func(*config.Config) error {
			cleared = true
			return nil
		},
	})

	if err := ta.run(t, "--invalidate-cache"); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if !cleared {
		t.Error("ClearCache not called")
	}
	if !strings.Contains(ta.stdout.String(), "Cache removed successfully!") {
		t.Errorf("stdout = %q, want success message", ta.stdout.String())
	}
}
