package wasmtest

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// BuildGuest compiles cmd/guest as a wasip1 reactor into a temporary directory
// and returns the path of the binary. The test is skipped in short mode or
// when no Go toolchain is on PATH.
func BuildGuest(t testing.TB) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping guest build in short mode")
	}
	goTool, err := exec.LookPath("go")
	if err != nil {
		t.Skipf("go toolchain not available: %v", err)
	}

	root, err := moduleRoot()
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "textbridge.wasm")
	cmd := exec.Command(goTool, "build", "-buildmode=c-shared", "-o", out, "./cmd/guest")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm", "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build the wasip1 guest: %v\n%s", err, output)
	}
	return out
}

// moduleRoot walks up from the working directory to the directory holding
// go.mod.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
