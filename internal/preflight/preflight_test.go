package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("volume", dir, 1); !result.Passed {
		t.Fatalf("expected pass with 1 byte minimum, got: %s", result.Detail)
	}
	result := CheckFreeSpace("volume", dir, ^uint64(0))
	if result.Passed || !strings.Contains(result.Detail, "need") {
		t.Fatalf("expected failure with impossible minimum, got: %+v", result)
	}
	if result := CheckFreeSpace("volume", filepath.Join(dir, "missing"), 1); result.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckQueue(t *testing.T) {
	if result := CheckQueue(context.Background(), "sqlite", fakePinger{}); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	result := CheckQueue(context.Background(), "redis", fakePinger{err: errors.New("connection refused")})
	if result.Passed || result.Name != "Queue (redis)" {
		t.Fatalf("expected redis failure, got: %+v", result)
	}
}

func TestCheckStageEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if result := CheckStageEndpoint(context.Background(), srv.URL+"/"); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckStageEndpoint_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	result := CheckStageEndpoint(context.Background(), srv.URL)
	if result.Passed || !strings.Contains(result.Detail, "503") {
		t.Fatalf("expected 503 failure, got: %+v", result)
	}
}

func TestRunAll(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	results := RunAll(context.Background(), cfg, fakePinger{})
	if len(results) != 4 {
		t.Fatalf("expected 4 checks without stage endpoint, got %d", len(results))
	}
	for _, failed := range Failed(results) {
		// Free space depends on the machine running the tests.
		if failed.Name != "Data volume" {
			t.Fatalf("unexpected failure: %+v", failed)
		}
	}

	cfg.Stages.Endpoint = "http://127.0.0.1:1"
	results = RunAll(context.Background(), cfg, nil)
	if len(results) != 4 {
		t.Fatalf("expected 4 checks without queue and with endpoint, got %d", len(results))
	}
	last := results[len(results)-1]
	if last.Name != "Stage workers" || last.Passed {
		t.Fatalf("expected stage endpoint failure, got %+v", last)
	}
}
