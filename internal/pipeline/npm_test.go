package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkgferry/pkgferry/internal/config"
	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

func testNodeConfig() config.NodeConfig {
	return config.NodeConfig{
		NvmDir:     "/nonexistent/.nvm",
		VersionMap: map[string]string{"20": "20.11.1"},
	}
}

func testPythonConfig() config.PythonConfig {
	return config.PythonConfig{
		PyenvRoot:  "/nonexistent/.pyenv",
		VersionMap: map[string]string{"3.13": "3.13.0"},
		Platforms:  []string{"win_amd64", "manylinux2014_x86_64"},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestHub(t *testing.T) *events.Hub {
	t.Helper()
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)
	return hub
}

func TestBuildDependencyTree(t *testing.T) {
	raw := `{
		"name": "my-app",
		"version": "1.0.0",
		"dependencies": {
			"b": {"version": "2.0.0"},
			"a": {
				"version": "1.0.0",
				"dependencies": {
					"nested": {"version": "0.1.0"}
				}
			}
		}
	}`

	var node npmListNode
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	tree := buildDependencyTree(node)
	if tree.Name != "my-app" || tree.Version != "1.0.0" {
		t.Errorf("root = %s@%s", tree.Name, tree.Version)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(tree.Children))
	}
	// Children are sorted by name.
	if tree.Children[0].Name != "a" || tree.Children[1].Name != "b" {
		t.Errorf("child order = %s, %s", tree.Children[0].Name, tree.Children[1].Name)
	}
	if len(tree.Children[0].Children) != 1 || tree.Children[0].Children[0].Name != "nested" {
		t.Errorf("nested children = %+v", tree.Children[0].Children)
	}
	if tree.Count() != 4 {
		t.Errorf("count = %d, want 4", tree.Count())
	}
}

func TestBuildDependencyTreeDefaults(t *testing.T) {
	tree := buildDependencyTree(npmListNode{
		Dependencies: map[string]npmListNode{"a": {}},
	})
	if tree.Name != "root" || tree.Version != "0.0.0" {
		t.Errorf("root defaults = %s@%s", tree.Name, tree.Version)
	}
	if tree.Children[0].Version != "unknown" {
		t.Errorf("missing child version = %q, want unknown", tree.Children[0].Version)
	}
}

func TestEnumeratePackages(t *testing.T) {
	nm := t.TempDir()
	for _, dir := range []string{"lodash", "express", ".bin", "@scope/pkg-a", "@scope/pkg-b"} {
		if err := os.MkdirAll(filepath.Join(nm, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	writeFile(t, filepath.Join(nm, "stray-file.txt"), "ignore me")

	pkgs := enumeratePackages(nm)
	names := make(map[string]bool)
	for _, p := range pkgs {
		names[p.name] = true
	}

	want := []string{"lodash", "express", "@scope/pkg-a", "@scope/pkg-b"}
	if len(pkgs) != len(want) {
		t.Fatalf("packages = %d, want %d: %+v", len(pkgs), len(want), pkgs)
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing package %s", name)
		}
	}
	if names[".bin"] {
		t.Error(".bin must be skipped")
	}
}

func TestEnumeratePackagesMissingDir(t *testing.T) {
	if pkgs := enumeratePackages("/nonexistent/node_modules"); pkgs != nil {
		t.Errorf("got %v, want nil", pkgs)
	}
}

func TestNpmResolveNoManifest(t *testing.T) {
	p := NewNpm(newTestHub(t), testNodeConfig(), 2)

	res, err := p.Resolve(t.Context(), Request{TaskID: "t1", ManifestDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res != nil {
		t.Fatalf("resolution should be nil without package.json, got %+v", res)
	}
}

func TestNpmDownloadNoManifest(t *testing.T) {
	p := NewNpm(newTestHub(t), testNodeConfig(), 2)

	prior := tasks.Progress{Total: 3, Completed: 3}
	progress, err := p.Download(t.Context(), Request{
		TaskID:      "t1",
		ManifestDir: t.TempDir(),
		OutputDir:   filepath.Join(t.TempDir(), "npm-packages"),
		Prior:       prior,
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if progress.Total != prior.Total || progress.Completed != prior.Completed {
		t.Errorf("progress = %+v, want prior unchanged", progress)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.json")
	dst := filepath.Join(dir, "dst.json")
	writeFile(t, src, `{"name":"app"}`)

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(data) != `{"name":"app"}` {
		t.Errorf("dst content = %q", data)
	}
}
