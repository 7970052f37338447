package selector_test

import (
	"testing"

	"github.com/morgan-mirror/morgan/internal/environment"
	"github.com/morgan-mirror/morgan/internal/requirement"
	"github.com/morgan-mirror/morgan/internal/selector"
	"github.com/morgan-mirror/morgan/internal/simpleindex"
)

func linuxCPython311(t *testing.T) environment.Environment {
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

func TestSelectTopLevelUnconstrainedSingleEnv(t *testing.T) {
	envs := []environment.Environment{linuxCPython311(t)}

	files := []simpleindex.RawFile{
		{Filename: "foo-1.0.tar.gz", URL: "https://example.test/foo-1.0.tar.gz"},
		{
			Filename: "foo-1.1-cp311-cp311-manylinux_2_17_x86_64.whl",
			URL:      "https://example.test/foo-1.1-cp311-cp311-manylinux_2_17_x86_64.whl",
		},
		{
			Filename: "foo-1.1-cp39-cp39-manylinux_2_17_x86_64.whl",
			URL:      "https://example.test/foo-1.1-cp39-cp39-manylinux_2_17_x86_64.whl",
		},
	}

	req := requirement.Requirement{Name: "foo"}

	got := selector.Select(files, req, envs, true, selector.Options{})

	foundCP311 := false

	for _, r := range got {
		if r.Filename == "foo-1.1-cp39-cp39-manylinux_2_17_x86_64.whl" {
			t.Errorf("selected the cp39 wheel, which scores lower than cp311")
		}

		if r.Filename == "foo-1.1-cp311-cp311-manylinux_2_17_x86_64.whl" {
			foundCP311 = true
		}

		if r.RawVersion != "1.1" {
			t.Errorf("selected version %q, want only 1.1 (latest)", r.RawVersion)
		}
	}

	if !foundCP311 {
		t.Fatalf("expected cp311 wheel in selection, got %+v", got)
	}
}

func TestSelectYankedAndInvalidFilenameDropped(t *testing.T) {
	envs := []environment.Environment{linuxCPython311(t)}

	files := []simpleindex.RawFile{
		{Filename: "qux-0.1.tar.gz", URL: "https://example.test/qux-0.1.tar.gz", Yanked: true},
		{Filename: "qux-0.2-macosx-10.15-x86_64.tar.gz", URL: "https://example.test/qux-0.2-macosx-10.15-x86_64.tar.gz"},
		{Filename: "qux-0.3.tar.gz", URL: "https://example.test/qux-0.3.tar.gz"},
	}

	req := requirement.Requirement{Name: "qux"}

	got := selector.Select(files, req, envs, true, selector.Options{})

	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1: %+v", len(got), got)
	}
	if got[0].Filename != "qux-0.3.tar.gz" {
		t.Errorf("Filename = %q, want qux-0.3.tar.gz", got[0].Filename)
	}
}

func TestSelectSpecifierFilter(t *testing.T) {
	envs := []environment.Environment{linuxCPython311(t)}

	files := []simpleindex.RawFile{
		{Filename: "foo-1.0.tar.gz", URL: "https://example.test/foo-1.0.tar.gz"},
		{Filename: "foo-2.0.tar.gz", URL: "https://example.test/foo-2.0.tar.gz"},
		{Filename: "foo-3.0.tar.gz", URL: "https://example.test/foo-3.0.tar.gz"},
	}

	req, err := requirement.Parse("foo<3.0")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	got := selector.Select(files, req, envs, true, selector.Options{})

	if len(got) != 1 || got[0].RawVersion != "2.0" {
		t.Fatalf("got %+v, want only version 2.0", got)
	}
}

func TestSelectMirrorAllVersionsTopLevelOnly(t *testing.T) {
	envs := []environment.Environment{linuxCPython311(t)}

	files := []simpleindex.RawFile{
		{Filename: "foo-1.0.tar.gz", URL: "https://example.test/foo-1.0.tar.gz"},
		{Filename: "foo-2.0.tar.gz", URL: "https://example.test/foo-2.0.tar.gz"},
	}

	req := requirement.Requirement{Name: "foo"}

	opts := selector.Options{MirrorAllVersions: true}

	top := selector.Select(files, req, envs, true, opts)
	if len(top) != 2 {
		t.Errorf("top-level with MirrorAllVersions: len = %d, want 2", len(top))
	}

	dep := selector.Select(files, req, envs, false, opts)
	if len(dep) != 1 {
		t.Errorf("dependency always reduced to latest: len = %d, want 1", len(dep))
	}
}

func TestSelectMirrorAllWheels(t *testing.T) {
	envs := []environment.Environment{
		mustEnv(t, "py310-linux", map[string]string{"python_version": "3.10", "sys_platform": "linux", "platform_machine": "x86_64"}),
		mustEnv(t, "py311-linux", map[string]string{"python_version": "3.11", "sys_platform": "linux", "platform_machine": "x86_64"}),
	}

	files := []simpleindex.RawFile{
		{Filename: "foo-1.0-cp310-cp310-manylinux_2_17_x86_64.whl", URL: "https://example.test/1"},
		{Filename: "foo-1.0-cp311-cp311-manylinux_2_17_x86_64.whl", URL: "https://example.test/2"},
		{Filename: "foo-1.0-cp310-cp310-any.whl", URL: "https://example.test/3"},
		{Filename: "foo-1.0-cp311-cp311-any.whl", URL: "https://example.test/4"},
		{Filename: "foo-1.0-py3-none-any.whl", URL: "https://example.test/5"},
	}

	req := requirement.Requirement{Name: "foo"}

	got := selector.Select(files, req, envs, true, selector.Options{MirrorAllWheels: true})

	if len(got) != 5 {
		t.Fatalf("len(got) = %d, want 5 (all compatible wheels kept): %+v", len(got), got)
	}
}

func mustEnv(t *testing.T, name string, kv map[string]string) environment.Environment {
	t.Helper()

	env, err := environment.Load(name, kv)
	if err != nil {
		t.Fatalf("environment.Load(%q) error: %v", name, err)
	}

	return env
}
