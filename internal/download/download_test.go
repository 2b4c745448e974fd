package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestDownloader(t *testing.T, free uint64) *Downloader {
	t.Helper()

	return New(Config{
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		FreeSpace: func(string) (uint64, error) { return free, nil },
		TempDir:   filepath.Join(t.TempDir(), "staging"),
	})
}

func TestFilename(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "https://download.blender.org/release/Blender2.93/blender-2.93.0-linux-x64.tar.xz", want: "blender-2.93.0-linux-x64.tar.xz"},
		{url: "https://builder.blender.org/download/daily/blender-4.1.0-alpha.zip?x=1", want: "blender-4.1.0-alpha.zip"},
		{url: "https://download.blender.org/", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Filename(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Filename(%q) error = nil, want non-nil", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("Filename(%q) error = %v", tt.url, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Filename(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestFetchWritesArchive(t *testing.T) {
	payload := []byte("archive-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	outputDir := t.TempDir()
	d := newTestDownloader(t, 1<<30)

	var lastWritten, lastTotal int64
	got, err := d.Fetch(context.Background(), server.URL+"/blender-2.93.0-linux-x64.tar.xz", outputDir,
		func(written, total int64) {
			lastWritten, lastTotal = written, total
		})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	want := filepath.Join(outputDir, "blender-2.93.0-linux-x64.tar.xz")
	if got != want {
		t.Errorf("Fetch() = %q, want %q", got, want)
	}
	body, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(body) != string(payload) {
		t.Errorf("downloaded body = %q, want %q", body, payload)
	}
	if lastWritten != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Errorf("final progress = (%d, %d), want (%d, %d)", lastWritten, lastTotal, len(payload), len(payload))
	}
}

func TestFetchRefusesExistingFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	outputDir := t.TempDir()
	existing := filepath.Join(outputDir, "blender-2.93.0-linux-x64.tar.xz")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := newTestDownloader(t, 1<<30)
	_, err := d.Fetch(context.Background(), server.URL+"/blender-2.93.0-linux-x64.tar.xz", outputDir, nil)
	if err == nil {
		t.Fatal("Fetch() error = nil, want non-nil for existing file")
	}
}

func TestFetchInsufficientSpace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a very large payload"))
	}))
	defer server.Close()

	d := newTestDownloader(t, 1)
	_, err := d.Fetch(context.Background(), server.URL+"/blender.tar.xz", t.TempDir(), nil)

	var spaceErr *InsufficientSpaceError
	if !errors.As(err, &spaceErr) {
		t.Fatalf("Fetch() error = %v, want InsufficientSpaceError", err)
	}
	if spaceErr.Free != 1 {
		t.Errorf("InsufficientSpaceError.Free = %d, want 1", spaceErr.Free)
	}
}

func TestFetchCancellationRemovesPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tempDir := filepath.Join(t.TempDir(), "staging")
	d := New(Config{
		FreeSpace: func(string) (uint64, error) { return 1 << 30, nil },
		TempDir:   tempDir,
	})

	_, err := d.Fetch(ctx, server.URL+"/blender.tar.xz", t.TempDir(), nil)
	if err == nil {
		t.Fatal("Fetch() error = nil, want cancellation error")
	}
	if _, statErr := os.Stat(filepath.Join(tempDir, "blender.tar.xz")); !os.IsNotExist(statErr) {
		t.Errorf("partial download left behind: stat error = %v", statErr)
	}
}

func TestFetchNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	d := newTestDownloader(t, 1<<30)
	if _, err := d.Fetch(context.Background(), server.URL+"/blender.tar.xz", t.TempDir(), nil); err == nil {
		t.Fatal("Fetch() error = nil, want non-nil for 404")
	}
}
