package main

import (
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/allocd"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
guid: c41aa9e5-84f6-4a1b-9a0e-000000000001
name: Test App
path: /ws/testapp
ranges:
  - from: 50100
    to: 50149
  - from: 60000
    to: 60099
auth_key: secret-key
pool_id: pool-1
`)
	app, err := loadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if app.ID != allocd.AppIDFromGUID("c41aa9e5-84f6-4a1b-9a0e-000000000001") {
		t.Fatalf("app id = %s", app.ID)
	}
	if app.Name != "Test App" || app.Path != "/ws/testapp" {
		t.Fatalf("app = %+v", app)
	}
	if len(app.Ranges) != 2 || app.Ranges[1].From != 60000 {
		t.Fatalf("ranges = %+v", app.Ranges)
	}
	if app.AuthKey != "secret-key" || app.PoolID != "pool-1" {
		t.Fatalf("credentials = %q %q", app.AuthKey, app.PoolID)
	}
}

func TestLoadManifestRequiresGUID(t *testing.T) {
	path := writeManifest(t, "name: No Identity\n")
	if _, err := loadManifest(path); err == nil {
		t.Fatalf("expected guid error")
	}
}

func TestLoadManifestRejectsInvertedRange(t *testing.T) {
	path := writeManifest(t, `
guid: some-guid
ranges:
  - from: 50149
    to: 50100
`)
	if _, err := loadManifest(path); err == nil {
		t.Fatalf("expected range validation error")
	}
}
