package criticalfiles

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cloudsync/cloudsync/internal/gitcmd"
)

func TestMatcher_AllowDenyPrecedence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewMatcher(dir, []string{".env*", "*.pem"}, []string{"node_modules/"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	cases := map[string]bool{
		".env":                          true,
		".env.local":                    true,
		"secrets/server.pem":            true,
		"README.md":                     false,
		"node_modules/.env":             false, // denied despite matching allow
		"vendor/pkg/.env":               true,
	}
	for path, want := range cases {
		if got := m.Match(path); got != want {
			t.Errorf("Match(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestMatcher_PerRepoOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, overrideFileName), []byte("# comment\nlocal-only.conf\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewMatcher(dir, []string{".env*"}, nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if !m.Match("local-only.conf") {
		t.Error("expected override pattern to match")
	}
	if m.Match("unrelated.txt") {
		t.Error("unrelated.txt should not match")
	}
}

func TestDiscover_FiltersIgnoredFiles(t *testing.T) {
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "t@t.com")
	run("config", "user.name", "T")

	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".env\nnode_modules/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", ".env"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".gitignore")
	run("commit", "-m", "init")

	m, err := NewMatcher(dir, []string{".env*"}, []string{"node_modules/"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	ex := gitcmd.NewExecutor()
	found, err := Discover(context.Background(), ex, dir, m)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 || found[0] != ".env" {
		t.Errorf("Discover = %v, want [.env]", found)
	}
}

func TestPackAndExtract_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=xyz"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "cred.pem"), []byte("PEMDATA"), 0o644); err != nil {
		t.Fatal(err)
	}

	tarPath := filepath.Join(t.TempDir(), "critical-ignored.tar.gz")
	listPath := filepath.Join(t.TempDir(), "critical-ignored.list")
	if err := Pack(dir, []string{".env", "sub/cred.pem"}, tarPath, listPath); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	target := t.TempDir()
	if err := Extract(tarPath, target); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(target, ".env"))
	if err != nil || string(data) != "SECRET=xyz" {
		t.Errorf(".env content = %q, err=%v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(target, "sub", "cred.pem"))
	if err != nil || string(data) != "PEMDATA" {
		t.Errorf("sub/cred.pem content = %q, err=%v", data, err)
	}
}

func TestPack_EmptyListRemovesStaleArtifacts(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), "critical-ignored.tar.gz")
	listPath := filepath.Join(t.TempDir(), "critical-ignored.list")
	if err := os.WriteFile(tarPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Pack(t.TempDir(), nil, tarPath, listPath); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := os.Stat(tarPath); !os.IsNotExist(err) {
		t.Error("expected stale tar to be removed")
	}
}
