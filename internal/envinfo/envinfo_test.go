package envinfo_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/morgan-mirror/morgan/internal/envinfo"
)

func fakeRunner(output string, err error) envinfo.CommandRunner {
	return func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte(output), err
	}
}

func TestDetect(t *testing.T) {
	svc := envinfo.New(envinfo.WithCommandRunner(fakeRunner(
		"posix\nCPython\n3.11\n3.11.6\ncpython\n", nil,
	)))

	info, err := svc.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}

	if info.OSName != "posix" {
		t.Errorf("OSName = %q, want posix", info.OSName)
	}
	if info.PlatformPythonImplementation != "CPython" {
		t.Errorf("PlatformPythonImplementation = %q, want CPython", info.PlatformPythonImplementation)
	}
	if info.PythonVersion != "3.11" {
		t.Errorf("PythonVersion = %q, want 3.11", info.PythonVersion)
	}
	if info.PythonFullVersion != "3.11.6" {
		t.Errorf("PythonFullVersion = %q, want 3.11.6", info.PythonFullVersion)
	}
	if info.ImplementationName != "cpython" {
		t.Errorf("ImplementationName = %q, want cpython", info.ImplementationName)
	}
}

func TestDetectWrongLineCount(t *testing.T) {
	svc := envinfo.New(envinfo.WithCommandRunner(fakeRunner("posix\nCPython\n", nil)))

	if _, err := svc.Detect(context.Background()); err == nil {
		t.Fatal("expected an error for malformed python output, got nil")
	}
}

func TestDetectCommandFailure(t *testing.T) {
	svc := envinfo.New(envinfo.WithCommandRunner(fakeRunner("", errors.New("python3: not found"))))

	if _, err := svc.Detect(context.Background()); err == nil {
		t.Fatal("expected an error when the python binary fails to run, got nil")
	}
}

func TestDistributions(t *testing.T) {
	svc := envinfo.New(envinfo.WithCommandRunner(fakeRunner(
		"Flask|3.0.0\nurllib3|2.2.1\n", nil,
	)))

	dists, err := svc.Distributions(context.Background())
	if err != nil {
		t.Fatalf("Distributions() error: %v", err)
	}

	if dists["flask"] != "3.0.0" {
		t.Errorf("dists[flask] = %q, want 3.0.0 (name should be lowercased)", dists["flask"])
	}
	if dists["urllib3"] != "2.2.1" {
		t.Errorf("dists[urllib3] = %q, want 2.2.1", dists["urllib3"])
	}
}

func TestGenerateEnvProducesBothOSSections(t *testing.T) {
	info := &envinfo.Info{
		OSName:                       "posix",
		PlatformPythonImplementation: "CPython",
		PythonVersion:                "3.11",
		PythonFullVersion:            "3.11.6",
		ImplementationName:           "cpython",
	}

	out := envinfo.GenerateEnv(info, "local")

	if !strings.Contains(out, "[env.local.posix]") {
		t.Error("missing [env.local.posix] section")
	}
	if !strings.Contains(out, "[env.local.nt]") {
		t.Error("missing [env.local.nt] section")
	}
	if !strings.Contains(out, "whl.tag.interpreter = (cp311|py3)$") {
		t.Errorf("unexpected whl.tag.interpreter line in:\n%s", out)
	}
	if !strings.Contains(out, "whl.tag.abi = (cp311|cp311t|abi3|none)$") {
		t.Errorf("unexpected whl.tag.abi line in:\n%s", out)
	}
	if !strings.Contains(out, "(manylinux.*_x86_64|any)$") {
		t.Error("missing posix whl.tag.platform pattern")
	}
	if !strings.Contains(out, "(win_amd64|win32)$") {
		t.Error("missing nt whl.tag.platform pattern")
	}
}

func TestGenerateReqsSortsByName(t *testing.T) {
	out := envinfo.GenerateReqs(map[string]string{
		"urllib3": "2.2.1",
		"flask":   "3.0.0",
	}, ">=")

	wantOrder := []string{"flask = >=3.0.0", "urllib3 = >=2.2.1"}

	flaskIdx := strings.Index(out, wantOrder[0])
	urllib3Idx := strings.Index(out, wantOrder[1])

	if flaskIdx == -1 || urllib3Idx == -1 {
		t.Fatalf("missing expected lines in:\n%s", out)
	}
	if flaskIdx > urllib3Idx {
		t.Error("expected flask to sort before urllib3")
	}
}

func TestGenerateReqsModes(t *testing.T) {
	for _, mode := range []string{">=", "==", "<="} {
		out := envinfo.GenerateReqs(map[string]string{"flask": "3.0.0"}, mode)
		want := "flask = " + mode + "3.0.0"
		if !strings.Contains(out, want) {
			t.Errorf("mode %q: missing %q in:\n%s", mode, want, out)
		}
	}
}

func TestValidMode(t *testing.T) {
	for _, mode := range []string{">=", "==", "<="} {
		if !envinfo.ValidMode(mode) {
			t.Errorf("ValidMode(%q) = false, want true", mode)
		}
	}

	if envinfo.ValidMode("!=") {
		t.Error("ValidMode(\"!=\") = true, want false")
	}
}
