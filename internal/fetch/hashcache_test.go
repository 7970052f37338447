package fetch_test

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/morgan-mirror/morgan/internal/fetch"
)

func TestHashCacheVerifyWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.whl")
	content := []byte("hello")

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	c := fetch.NewHashCache()

	ok, err := c.Verify(path, "sha256", digest)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !ok {
		t.Fatal("Verify() = false, want true")
	}

	sidecar, err := os.ReadFile(path + ".hash")
	if err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	if string(sidecar) != "sha256="+digest {
		t.Errorf("sidecar = %q, want %q", sidecar, "sha256="+digest)
	}
}

func TestHashCacheVerifyMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.whl")

	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := fetch.NewHashCache()

	ok, err := c.Verify(path, "sha256", "deadbeef")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if ok {
		t.Error("Verify() = true, want false for mismatched digest")
	}
}

func TestHashCacheSkipsReverify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.whl")
	content := []byte("hello")

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	c := fetch.NewHashCache()

	if _, err := c.Verify(path, "sha256", digest); err != nil {
		t.Fatalf("first Verify() error: %v", err)
	}

	// Corrupt the file on disk; a cached verification should not notice.
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := c.Verify(path, "sha256", digest)
	if err != nil {
		t.Fatalf("second Verify() error: %v", err)
	}
	if !ok {
		t.Error("Verify() = false on cached path, want true (skip re-hash)")
	}
}
