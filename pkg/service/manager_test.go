package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderSystemdUnit(t *testing.T) {
	unit := renderSystemdUnit("/usr/local/bin/inklet", "/usr/local/bin:/usr/bin:/bin")
	mustContain(t, unit, "ExecStart=/usr/local/bin/inklet gateway")
	mustContain(t, unit, "Restart=always")
	mustContain(t, unit, "Environment=PATH=/usr/local/bin:/usr/bin:/bin")
	mustContain(t, unit, "WantedBy=default.target")
}

func TestRenderLaunchdPlist(t *testing.T) {
	plist := renderLaunchdPlist("io.inklet.gateway", "/opt/homebrew/bin/inklet", "/tmp/out.log", "/tmp/err.log", "/usr/bin:/bin")
	mustContain(t, plist, "<string>io.inklet.gateway</string>")
	mustContain(t, plist, "<string>/opt/homebrew/bin/inklet</string>")
	mustContain(t, plist, "<string>gateway</string>")
	mustContain(t, plist, "<string>/tmp/out.log</string>")
	mustContain(t, plist, "<string>/usr/bin:/bin</string>")
}

func TestBuildServicePath(t *testing.T) {
	sep := string(os.PathListSeparator)
	inputPath := strings.Join([]string{
		"/custom/bin",
		"/usr/bin",    // duplicate baseline
		"",            // empty should be ignored
		"/custom/bin", // duplicate custom
	}, sep)
	got := buildServicePath(inputPath, "/home/linuxbrew/.linuxbrew")
	parts := strings.Split(got, sep)

	// Baseline.
	mustContainPath(t, parts, "/usr/local/bin")
	mustContainPath(t, parts, "/usr/bin")
	mustContainPath(t, parts, "/bin")

	// Detected brew prefix.
	mustContainPath(t, parts, "/home/linuxbrew/.linuxbrew/bin")
	mustContainPath(t, parts, "/home/linuxbrew/.linuxbrew/sbin")

	// Installer PATH is preserved.
	mustContainPath(t, parts, "/custom/bin")

	seen := map[string]struct{}{}
	for _, p := range parts {
		if _, ok := seen[p]; ok {
			t.Fatalf("duplicate path in PATH output: %s", p)
		}
		seen[p] = struct{}{}
	}
}

func TestBuildServicePath_NoBrewPrefix(t *testing.T) {
	sep := string(os.PathListSeparator)
	got := buildServicePath(strings.Join([]string{"/alpha/bin", "/beta/bin"}, sep), "")
	parts := strings.Split(got, sep)
	mustContainPath(t, parts, "/alpha/bin")
	mustContainPath(t, parts, "/beta/bin")
	if strings.Contains(got, "linuxbrew") {
		t.Fatalf("did not expect brew paths, got: %s", got)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("\n\n  first line  \nsecond"); got != "first line" {
		t.Fatalf("oneLine = %q", got)
	}
	if got := oneLine(""); got != "" {
		t.Fatalf("oneLine(empty) = %q", got)
	}
}

func TestTailFileLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	got, err := tailFileLines(path, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if got != "c\nd" {
		t.Fatalf("tail = %q, want %q", got, "c\nd")
	}
}

func mustContain(t *testing.T, s, needle string) {
	t.Helper()
	if !strings.Contains(s, needle) {
		t.Fatalf("expected %q to contain %q", s, needle)
	}
}

func mustContainPath(t *testing.T, paths []string, needle string) {
	t.Helper()
	for _, p := range paths {
		if filepath.Clean(p) == filepath.Clean(needle) {
			return
		}
	}
	t.Fatalf("expected PATH to contain %q; got: %v", needle, paths)
}
