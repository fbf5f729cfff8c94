// Package service installs and controls the capture gateway as a user-level
// background service: systemd user units on Linux, launchd agents on macOS.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	BackendSystemd = "systemd"
	BackendLaunchd = "launchd"
)

// Status describes the service as the init system sees it.
type Status struct {
	Backend   string
	Installed bool
	Enabled   bool
	Running   bool
	Detail    string
}

// Manager controls the gateway service on one platform.
type Manager interface {
	Backend() string
	Install() error
	Uninstall() error
	Start() error
	Stop() error
	Restart() error
	Status() (Status, error)
	Logs(lines int) (string, error)
}

// NewManager returns the service manager for the current platform. exePath
// must be the absolute path of the binary to run as the gateway.
func NewManager(exePath string) (Manager, error) {
	return newPlatformManager(exePath, execRunner{})
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func runCommand(r commandRunner, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Run(ctx, name, args...)
}

// oneLine reduces command output to its first non-empty line.
func oneLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func tailFileLines(path string, n int) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

func combineLogSections(sections map[string]string) string {
	var b strings.Builder
	for path, content := range sections {
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(&b, "==> %s <==\n%s\n", path, content)
	}
	return b.String()
}

// buildServicePath constructs the PATH baked into the service definition.
// Services inherit a minimal environment, so the PATH the user installed
// with has to be captured explicitly.
func buildServicePath(installerPath, brewPrefix string) string {
	sep := string(os.PathListSeparator)

	var ordered []string
	seen := map[string]struct{}{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			return
		}
		seen[clean] = struct{}{}
		ordered = append(ordered, clean)
	}

	for _, p := range []string{"/usr/local/bin", "/usr/bin", "/bin"} {
		add(p)
	}
	if brewPrefix != "" {
		add(filepath.Join(brewPrefix, "bin"))
		add(filepath.Join(brewPrefix, "sbin"))
	}
	for _, p := range strings.Split(installerPath, sep) {
		add(p)
	}

	return strings.Join(ordered, sep)
}

func detectBrewPrefix(runner commandRunner) string {
	if _, err := exec.LookPath("brew"); err != nil {
		return ""
	}
	out, err := runCommand(runner, 4*time.Second, "brew", "--prefix")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func renderSystemdUnit(exePath, pathEnv string) string {
	return fmt.Sprintf(`[Unit]
Description=Inklet capture gateway
After=network-online.target

[Service]
ExecStart=%s gateway
Restart=always
RestartSec=5
Environment=PATH=%s

[Install]
WantedBy=default.target
`, exePath, pathEnv)
}

func renderLaunchdPlist(label, exePath, stdoutPath, stderrPath, pathEnv string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>gateway</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
	<key>EnvironmentVariables</key>
	<dict>
		<key>PATH</key>
		<string>%s</string>
	</dict>
</dict>
</plist>
`, label, exePath, stdoutPath, stderrPath, pathEnv)
}
