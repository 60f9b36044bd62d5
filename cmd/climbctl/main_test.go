package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/climb-ledger/internal/app"
	"github.com/climb-ledger/internal/backup"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/logging"
)

type objectMap map[string][]byte

func (m objectMap) Put(_ context.Context, key string, body []byte, _ string) error {
	m[key] = body
	return nil
}

func (m objectMap) List(_ context.Context, prefix string) ([]backup.Object, error) {
	var out []backup.Object
	for k, v := range m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, backup.Object{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m objectMap) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func newTestCLI(t *testing.T) *cli {
	t.Helper()
	cfg, err := config.Parse([]byte("storage:\n  driver: memory\nauth:\n  bcrypt_cost: 4\n"))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	a, err := app.Open(context.Background(), cfg, logging.Discard(), app.Options{SkipRedis: true})
	if err != nil {
		t.Fatalf("app.Open() error = %v", err)
	}
	t.Cleanup(a.Close)
	return &cli{cfg: cfg, logger: logging.Discard(), app: a, objects: objectMap{}, in: strings.NewReader("")}
}

func run(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(c)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAdminCommands(t *testing.T) {
	c := newTestCLI(t)

	out, err := run(t, c, "create-admin", "--email", "judge@example.com", "--username", "judge", "--password", "correct-horse")
	if err != nil {
		t.Fatalf("create-admin error = %v", err)
	}
	if !strings.Contains(out, "Admin judge (judge@example.com) created") {
		t.Errorf("create-admin output = %q", out)
	}

	out, err = run(t, c, "list-admins")
	if err != nil {
		t.Fatalf("list-admins error = %v", err)
	}
	if !strings.Contains(out, "judge") || !strings.Contains(out, "Total: 1 active, 0 inactive") {
		t.Errorf("list-admins output = %q", out)
	}

	c.in = strings.NewReader("no\n")
	out, err = run(t, c, "deactivate-admin", "all")
	if err != nil {
		t.Fatalf("deactivate-admin error = %v", err)
	}
	if !strings.Contains(out, "Cancelled.") {
		t.Errorf("expected cancellation, got %q", out)
	}

	out, err = run(t, c, "deactivate-admin", "all", "--yes")
	if err != nil {
		t.Fatalf("deactivate-admin --yes error = %v", err)
	}
	if !strings.Contains(out, "1 account(s) changed") {
		t.Errorf("deactivate-admin output = %q", out)
	}

	out, err = run(t, c, "activate-admin", "judge")
	if err != nil {
		t.Fatalf("activate-admin error = %v", err)
	}
	if !strings.Contains(out, "activated") {
		t.Errorf("activate-admin output = %q", out)
	}

	if _, err := run(t, c, "activate-admin", "nobody"); err == nil {
		t.Error("activating an unknown admin should fail")
	}
}

func TestCatalogCommands(t *testing.T) {
	c := newTestCLI(t)
	dir := t.TempDir()
	blocks := writeFile(t, dir, "blocks.csv", "lane,grade,color,wall,distance\nB_01,V0,red,north,4\nR_01,5.9,blue,east,15\n")
	points := writeFile(t, dir, "points.csv", "grade,flash,second_try,third_try,more\nV0,5,4,3,2\n5.9,10,7.5,5,4\n")

	out, err := run(t, c, "load-blocks", "--blocks", blocks, "--points", points)
	if err != nil {
		t.Fatalf("load-blocks error = %v", err)
	}
	if !strings.Contains(out, "Blocks created:   2") {
		t.Errorf("load-blocks output = %q", out)
	}

	out, err = run(t, c, "reconcile")
	if err != nil {
		t.Fatalf("reconcile error = %v", err)
	}
	if !strings.Contains(out, "Drifted:              0") {
		t.Errorf("reconcile output = %q", out)
	}

	out, err = run(t, c, "backup")
	if err != nil {
		t.Fatalf("backup error = %v", err)
	}
	if !strings.Contains(out, "Backup stored: backups/db_backup_") {
		t.Errorf("backup output = %q", out)
	}
	out, err = run(t, c, "backup", "--list")
	if err != nil {
		t.Fatalf("backup --list error = %v", err)
	}
	if !strings.Contains(out, "Total: 1 backup(s)") {
		t.Errorf("backup --list output = %q", out)
	}

	c.in = strings.NewReader("yes\n")
	out, err = run(t, c, "clear-blocks")
	if err != nil {
		t.Fatalf("clear-blocks error = %v", err)
	}
	if !strings.Contains(out, "Blocks deleted: 2") {
		t.Errorf("clear-blocks output = %q", out)
	}

	out, err = run(t, c, "clear-blocks")
	if err != nil {
		t.Fatalf("second clear-blocks error = %v", err)
	}
	if !strings.Contains(out, "No blocks to delete.") {
		t.Errorf("second clear-blocks output = %q", out)
	}
}
