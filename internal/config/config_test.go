package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Bin != "claude" || cfg.Oracle.RateLimitRPM != 20 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.HasRoots() {
		t.Error("fresh config has workspace roots")
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// operator notes survive parsing
		workspaceRoots: ["/srv/projects",],
		worker: { maxTurns: 10 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.WorkspaceRoots) != 1 || cfg.WorkspaceRoots[0] != "/srv/projects" {
		t.Errorf("roots = %v", cfg.WorkspaceRoots)
	}
	if cfg.Worker.MaxTurns != 10 {
		t.Errorf("maxTurns = %d", cfg.Worker.MaxTurns)
	}
	// File values merge over defaults.
	if cfg.Worker.Bin != "claude" {
		t.Errorf("bin = %q", cfg.Worker.Bin)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKFARM_WORKER_BIN", "/opt/worker")
	t.Setenv("WORKFARM_WORKSPACE_ROOTS", "/a"+string(os.PathListSeparator)+"/b")
	t.Setenv("WORKFARM_ORACLE_RPM", "5")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Bin != "/opt/worker" {
		t.Errorf("bin = %q", cfg.Worker.Bin)
	}
	if len(cfg.WorkspaceRoots) != 2 || cfg.WorkspaceRoots[1] != "/b" {
		t.Errorf("roots = %v", cfg.WorkspaceRoots)
	}
	if cfg.Oracle.RateLimitRPM != 5 {
		t.Errorf("rpm = %d", cfg.Oracle.RateLimitRPM)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.AddRoot("/srv/projects")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.WorkspaceRoots) != 1 || got.WorkspaceRoots[0] != "/srv/projects" {
		t.Errorf("roots = %v", got.WorkspaceRoots)
	}
}

func TestRootManagement(t *testing.T) {
	cfg := Default()
	if !cfg.AddRoot("/a") || cfg.AddRoot("/a") {
		t.Error("duplicate add not rejected")
	}
	cfg.AddRoot("~/projects")

	roots := cfg.Roots()
	home, _ := os.UserHomeDir()
	if roots[1] != filepath.Join(home, "projects") {
		t.Errorf("expanded root = %q", roots[1])
	}

	if !cfg.RemoveRoot("/a") || cfg.RemoveRoot("/a") {
		t.Error("remove semantics wrong")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	cases := map[string]string{
		"":          "",
		"/abs/path": "/abs/path",
		"~":         home,
		"~/x":       home + "/x",
	}
	for in, want := range cases {
		if got := ExpandHome(in); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{workspaceRoots: ["/old"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	stop, err := Watch(path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	// Atomic replace, the way Save-style writers update the file.
	tmp := filepath.Join(dir, "config.json.new")
	if err := os.WriteFile(tmp, []byte(`{workspaceRoots: ["/new"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if len(cfg.WorkspaceRoots) != 1 || cfg.WorkspaceRoots[0] != "/new" {
			t.Errorf("reloaded roots = %v", cfg.WorkspaceRoots)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
