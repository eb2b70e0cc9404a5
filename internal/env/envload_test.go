package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindDotEnvWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, ".env")
	if err := os.WriteFile(want, []byte("FLEET_DB_PATH=/tmp/x.sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := findDotEnv(nested)
	if err != nil || got != want {
		t.Fatalf("findDotEnv = %q, %v; want %q", got, err, want)
	}
}

func TestResolveDotEnvPrefersExplicitFile(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "custom.env")
	if err := os.WriteFile(explicit, []byte("A=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(FileEnv, explicit)
	got, err := resolveDotEnv()
	if err != nil || got != explicit {
		t.Fatalf("resolveDotEnv = %q, %v", got, err)
	}

	t.Setenv(FileEnv, dir)
	if _, err := resolveDotEnv(); err == nil {
		t.Fatal("expected error for directory")
	}
}
