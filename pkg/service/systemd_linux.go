//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const systemdUnitName = "inklet-gateway.service"

type systemdUserManager struct {
	runner   commandRunner
	exePath  string
	unitName string
	unitPath string
}

func newPlatformManager(exePath string, runner commandRunner) (Manager, error) {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return nil, fmt.Errorf("systemctl not found; user services require systemd")
	}
	return newSystemdUserManager(exePath, runner), nil
}

func newSystemdUserManager(exePath string, runner commandRunner) Manager {
	home, _ := os.UserHomeDir()
	return &systemdUserManager{
		runner:   runner,
		exePath:  exePath,
		unitName: systemdUnitName,
		unitPath: filepath.Join(home, ".config", "systemd", "user", systemdUnitName),
	}
}

func (m *systemdUserManager) Backend() string { return BackendSystemd }

func (m *systemdUserManager) Install() error {
	if err := os.MkdirAll(filepath.Dir(m.unitPath), 0755); err != nil {
		return err
	}

	pathEnv := buildServicePath(os.Getenv("PATH"), detectBrewPrefix(m.runner))
	unit := renderSystemdUnit(m.exePath, pathEnv)
	if err := os.WriteFile(m.unitPath, []byte(unit), 0644); err != nil {
		return err
	}

	if out, err := runCommand(m.runner, 10*time.Second, "systemctl", "--user", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload failed: %s", oneLine(string(out)))
	}
	if out, err := runCommand(m.runner, 10*time.Second, "systemctl", "--user", "enable", m.unitName); err != nil {
		return fmt.Errorf("enable failed: %s", oneLine(string(out)))
	}
	return nil
}

func (m *systemdUserManager) Uninstall() error {
	_, _ = runCommand(m.runner, 10*time.Second, "systemctl", "--user", "stop", m.unitName)
	_, _ = runCommand(m.runner, 10*time.Second, "systemctl", "--user", "disable", m.unitName)
	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_, _ = runCommand(m.runner, 10*time.Second, "systemctl", "--user", "daemon-reload")
	return nil
}

func (m *systemdUserManager) Start() error {
	if _, err := os.Stat(m.unitPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("service is not installed; run `inklet service install`")
		}
		return err
	}
	if out, err := runCommand(m.runner, 10*time.Second, "systemctl", "--user", "start", m.unitName); err != nil {
		return fmt.Errorf("start failed: %s", oneLine(string(out)))
	}
	return nil
}

func (m *systemdUserManager) Stop() error {
	if out, err := runCommand(m.runner, 10*time.Second, "systemctl", "--user", "stop", m.unitName); err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "not loaded") {
			return nil
		}
		return fmt.Errorf("stop failed: %s", oneLine(string(out)))
	}
	return nil
}

func (m *systemdUserManager) Restart() error {
	if out, err := runCommand(m.runner, 15*time.Second, "systemctl", "--user", "restart", m.unitName); err != nil {
		return fmt.Errorf("restart failed: %s", oneLine(string(out)))
	}
	return nil
}

func (m *systemdUserManager) Status() (Status, error) {
	st := Status{Backend: BackendSystemd}
	if _, err := os.Stat(m.unitPath); err == nil {
		st.Installed = true
	}

	if out, err := runCommand(m.runner, 5*time.Second, "systemctl", "--user", "is-enabled", m.unitName); err == nil {
		st.Enabled = strings.TrimSpace(string(out)) == "enabled"
	}
	out, _ := runCommand(m.runner, 5*time.Second, "systemctl", "--user", "is-active", m.unitName)
	state := strings.TrimSpace(string(out))
	st.Running = state == "active"
	st.Detail = state
	return st, nil
}

func (m *systemdUserManager) Logs(lines int) (string, error) {
	out, err := runCommand(m.runner, 10*time.Second, "journalctl", "--user", "-u", m.unitName,
		"-n", fmt.Sprintf("%d", lines), "--no-pager")
	if err != nil {
		return "", fmt.Errorf("journalctl failed: %s", oneLine(string(out)))
	}
	if strings.TrimSpace(string(out)) == "" {
		return "", fmt.Errorf("no logs found for %s", m.unitName)
	}
	return string(out), nil
}
