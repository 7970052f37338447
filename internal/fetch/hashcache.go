package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
)

// HashCache remembers which paths have already been hashed and verified
// during a single run, so a file touched by more than one requirement isn't
// re-read and re-hashed from disk every time it's encountered again.
type HashCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewHashCache returns an empty, run-scoped hash cache.
func NewHashCache() *HashCache {
	return &HashCache{seen: make(map[string]bool)}
}

// Verify reports whether filepath's contents hash to exphash under hashalg,
// skipping the hash entirely if this path was already verified earlier in
// the run. On a fresh verification it also writes or refreshes the
// "<filepath>.hash" sidecar recording "<hashalg>=<hexdigest>".
func (c *HashCache) Verify(filepath, hashalg, exphash string) (bool, error) {
	c.mu.Lock()
	if c.seen[filepath] {
		c.mu.Unlock()

		return true, nil
	}
	c.mu.Unlock()

	got, err := hashFile(filepath, hashalg)
	if err != nil {
		return false, err
	}

	if got != exphash {
		return false, nil
	}

	if err := writeHashSidecar(filepath, hashalg, got); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.seen[filepath] = true
	c.mu.Unlock()

	return true, nil
}

func writeHashSidecar(filepath, hashalg, digest string) error {
	contents := []byte(fmt.Sprintf("%s=%s", hashalg, digest))

	sidecar := filepath + ".hash"

	existing, err := os.ReadFile(sidecar)
	if err == nil && string(existing) == string(contents) {
		return nil
	}

	return os.WriteFile(sidecar, contents, 0o644)
}

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

func hashFile(path, alg string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h, err := newHasher(alg)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
