package distmeta_test

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/morgan-mirror/morgan/internal/distmeta"
	"github.com/morgan-mirror/morgan/internal/environment"
)

func writeZip(t *testing.T, dir, filename string, members map[string]string) string {
	t.Helper()

	full := filepath.Join(dir, filename)

	f, err := os.Create(full)
	if err != nil {
		t.Fatalf("create %s: %v", full, err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)

	for name, content := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create(%s): %v", name, err)
		}

		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip Write(%s): %v", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	return full
}

func writeTarGz(t *testing.T, dir, filename string, members map[string]string) string {
	t.Helper()

	full := filepath.Join(dir, filename)

	f, err := os.Create(full)
	if err != nil {
		t.Fatalf("create %s: %v", full, err)
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range members {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}

		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar WriteHeader(%s): %v", name, err)
		}

		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar Write(%s): %v", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}

	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}

	return full
}

const sampleMetadata = `Metadata-Version: 2.1
Name: flask
Version: 3.0.0
Requires-Dist: Werkzeug>=3.0.0
Requires-Dist: click>=8.1.3
Requires-Dist: itsdangerous>=2.1.2
Requires-Dist: asgiref>=3.2 ; extra == "async"

Flask is a lightweight WSGI web application framework.
`

func TestExtractWheelMETADATA(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "flask-3.0.0-py3-none-any.whl", map[string]string{
		"flask-3.0.0.dist-info/METADATA": sampleMetadata,
		"flask/__init__.py":              "# not metadata",
	})

	md, err := distmeta.Extract(path, "flask-3.0.0-py3-none-any.whl", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if md == nil {
		t.Fatal("Extract() returned nil metadata")
	}

	if !md.SeenMetadataMember() {
		t.Error("SeenMetadataMember() = false, want true")
	}

	if md.Source != "METADATA" {
		t.Errorf("Source = %q, want METADATA", md.Source)
	}

	if len(md.RequiresDist) != 4 {
		t.Fatalf("len(RequiresDist) = %d, want 4: %v", len(md.RequiresDist), md.RequiresDist)
	}
}

const samplePKGInfo = `Metadata-Version: 1.0
Name: flask
Version: 3.0.0

long description body
`

func TestExtractSdistPKGInfoAndRequiresTxt(t *testing.T) {
	dir := t.TempDir()
	path := writeTarGz(t, dir, "flask-3.0.0.tar.gz", map[string]string{
		"flask-3.0.0/PKG-INFO": samplePKGInfo,
		"flask-3.0.0/flask.egg-info/requires.txt": "Werkzeug>=3.0.0\nclick>=8.1.3\n\n[async]\nasgiref>=3.2\n",
	})

	md, err := distmeta.Extract(path, "flask-3.0.0.tar.gz", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if md == nil {
		t.Fatal("Extract() returned nil metadata")
	}

	if md.Source != "PKG-INFO" {
		t.Errorf("Source = %q, want PKG-INFO", md.Source)
	}

	if md.RequiresTxt == nil {
		t.Fatal("RequiresTxt is nil")
	}

	// PKG-INFO here has no Requires-Dist lines, so Dependencies falls back
	// to requires.txt.
	deps, err := distmeta.Dependencies(md, nil, []environment.Environment{linuxEnv(t)})
	if err != nil {
		t.Fatalf("Dependencies() error: %v", err)
	}

	names := map[string]bool{}
	for _, d := range deps {
		names[d.Name] = true
	}

	if !names["werkzeug"] || !names["click"] {
		t.Errorf("expected werkzeug and click unconditionally, got %+v", deps)
	}
	if names["asgiref"] {
		t.Errorf("asgiref is gated behind the async extra, which was not requested: %+v", deps)
	}
}

func TestExtractRequiresTxtExtraActivated(t *testing.T) {
	dir := t.TempDir()
	path := writeTarGz(t, dir, "flask-3.0.0.tar.gz", map[string]string{
		"flask-3.0.0/flask.egg-info/requires.txt": "click>=8.1.3\n\n[async]\nasgiref>=3.2\n",
	})

	md, err := distmeta.Extract(path, "flask-3.0.0.tar.gz", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	deps, err := distmeta.Dependencies(md, []string{"async"}, []environment.Environment{linuxEnv(t)})
	if err != nil {
		t.Fatalf("Dependencies() error: %v", err)
	}

	names := map[string]bool{}
	for _, d := range deps {
		names[d.Name] = true
	}

	if !names["asgiref"] {
		t.Errorf("expected asgiref with async extra activated, got %+v", deps)
	}
}

func TestExtractUnsupportedArchive(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "foo.txt")

	if err := os.WriteFile(full, []byte("not an archive"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := distmeta.Extract(full, "foo.txt", nil)
	if err == nil {
		t.Fatal("Extract() expected error for unsupported extension, got nil")
	}
}

func TestExtractNoMetadataMember(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "empty-1.0-py3-none-any.whl", map[string]string{
		"empty/__init__.py": "",
	})

	md, err := distmeta.Extract(path, "empty-1.0-py3-none-any.whl", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if md != nil {
		t.Fatalf("Extract() = %+v, want nil when no canonical metadata member is present", md)
	}
}

func TestDependenciesNilMetadata(t *testing.T) {
	deps, err := distmeta.Dependencies(nil, nil, nil)
	if err != nil {
		t.Fatalf("Dependencies() error: %v", err)
	}
	if deps != nil {
		t.Errorf("Dependencies(nil) = %+v, want nil", deps)
	}
}

func TestDependenciesSkipsMalformedRequiresDist(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "foo-1.0-py3-none-any.whl", map[string]string{
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\nRequires-Dist: ((( not a requirement\nRequires-Dist: click>=8.1.3\n\n",
	})

	md, err := distmeta.Extract(path, "foo-1.0-py3-none-any.whl", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	deps, err := distmeta.Dependencies(md, nil, []environment.Environment{linuxEnv(t)})
	if err != nil {
		t.Fatalf("Dependencies() error: %v", err)
	}

	if len(deps) != 1 || deps[0].Name != "click" {
		t.Fatalf("Dependencies() = %+v, want only click", deps)
	}
}

func linuxEnv(t *testing.T) environment.Environment {
	t.Helper()

	env, err := environment.Load("local", map[string]string{
		"os_name":                        "posix",
		"platform_python_implementation": "CPython",
		"python_version":                 "3.11",
		"implementation_name":            "cpython",
		"sys_platform":                   "linux",
		"platform_machine":               "x86_64",
	})
	if err != nil {
		t.Fatalf("environment.Load() error: %v", err)
	}

	return env
}
