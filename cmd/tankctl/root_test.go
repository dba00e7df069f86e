package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "tankctl ") {
		t.Fatalf("output = %q, want tankctl <version>", out.String())
	}
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "data", "tankctl.db")
	t.Setenv("TANKCTL_DB_PATH", db)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--env-file", filepath.Join(dir, "missing.env")})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestServeRequiresSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TANKCTL_DB_PATH", filepath.Join(dir, "tankctl.db"))
	t.Setenv("TANKCTL_JWT_SECRET", "")
	t.Setenv("TANKCTL_PRESHARED_KEY", "")
	t.Setenv("TANKCTL_ADMIN_API_KEY", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--env-file", filepath.Join(dir, "missing.env")})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "missing secrets") {
		t.Fatalf("serve err = %v, want missing secrets", err)
	}
}
