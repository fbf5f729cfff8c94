//go:build linux

package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeCommandRunner struct {
	calls []string
}

func (f *fakeCommandRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := name
	if len(args) > 0 {
		cmd += " " + strings.Join(args, " ")
	}
	f.calls = append(f.calls, cmd)
	return []byte("ok"), nil
}

func TestSystemdInstallWritesUnitWithPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PATH", "/custom/bin:/usr/bin")

	runner := &fakeCommandRunner{}
	mgr := newSystemdUserManager("/tmp/inklet", runner).(*systemdUserManager)

	if err := mgr.Install(); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	unitPath := filepath.Join(home, ".config", "systemd", "user", "inklet-gateway.service")
	b, err := os.ReadFile(unitPath)
	if err != nil {
		t.Fatalf("read unit: %v", err)
	}
	unit := string(b)
	if !strings.Contains(unit, "Environment=PATH=") {
		t.Fatalf("expected unit to include PATH environment, got:\n%s", unit)
	}
	if !strings.Contains(unit, "/custom/bin") {
		t.Fatalf("expected PATH to include installer custom path, got:\n%s", unit)
	}
	if !strings.Contains(unit, "ExecStart=/tmp/inklet gateway") {
		t.Fatalf("expected ExecStart line, got:\n%s", unit)
	}

	var sawReload, sawEnable bool
	for _, c := range runner.calls {
		if strings.Contains(c, "daemon-reload") {
			sawReload = true
		}
		if strings.Contains(c, "enable inklet-gateway.service") {
			sawEnable = true
		}
	}
	if !sawReload || !sawEnable {
		t.Fatalf("expected daemon-reload and enable calls, got: %v", runner.calls)
	}
}

func TestSystemdUninstallRemovesUnit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	runner := &fakeCommandRunner{}
	mgr := newSystemdUserManager("/tmp/inklet", runner).(*systemdUserManager)
	if err := mgr.Install(); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := mgr.Uninstall(); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}
	if _, err := os.Stat(mgr.unitPath); !os.IsNotExist(err) {
		t.Fatalf("expected unit removed, stat err = %v", err)
	}

	// Uninstalling again is a no-op.
	if err := mgr.Uninstall(); err != nil {
		t.Fatalf("second uninstall failed: %v", err)
	}
}
