package knowledge

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inklet/inklet/pkg/plan"
)

func openTestRepo(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s
}

func TestEmptyRepoRevision(t *testing.T) {
	s := openTestRepo(t)
	rev, err := s.LatestRevision()
	if err != nil {
		t.Fatalf("LatestRevision: %v", err)
	}
	if rev != "" {
		t.Fatalf("empty repo revision %q", rev)
	}
}

func TestWriteCreateCommits(t *testing.T) {
	s := openTestRepo(t)

	rev, err := s.Write("10-ideas/test.md", "# Test\n", WriteCreate, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rev == "" {
		t.Fatal("empty revision from Write")
	}

	head, err := s.LatestRevision()
	if err != nil {
		t.Fatalf("LatestRevision: %v", err)
	}
	if head != rev {
		t.Fatalf("HEAD %s != write revision %s", head, rev)
	}

	got, err := s.Read("10-ideas/test.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "# Test\n" {
		t.Fatalf("content %q", got)
	}
}

func TestWriteCreateRefusesExisting(t *testing.T) {
	s := openTestRepo(t)

	rev, err := s.Write("note.md", "one\n", WriteCreate, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write("note.md", "two\n", WriteCreate, rev); !errors.Is(err, ErrExists) {
		t.Fatalf("got %v, want ErrExists", err)
	}
}

func TestWriteStaleRevision(t *testing.T) {
	s := openTestRepo(t)

	first, err := s.Write("a.md", "a\n", WriteCreate, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write("b.md", "b\n", WriteCreate, first); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// first is no longer HEAD.
	if _, err := s.Write("c.md", "c\n", WriteCreate, first); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("got %v, want ErrRevisionMismatch", err)
	}
}

func TestAppendInterleaves(t *testing.T) {
	s := openTestRepo(t)

	if _, err := s.Write("log.md", "first entry", WriteCreate, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Append("log.md", "second entry"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Read("log.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "first entry\nsecond entry\n" {
		t.Fatalf("content %q", got)
	}
}

func TestWriteRejectsEscapingPath(t *testing.T) {
	s := openTestRepo(t)
	if _, err := s.Write("../outside.md", "x", WriteCreate, ""); err == nil {
		t.Fatal("path escape accepted")
	}
	if _, err := s.Write("/abs.md", "x", WriteCreate, ""); err == nil {
		t.Fatal("absolute path accepted")
	}
}

func TestItemPathLayout(t *testing.T) {
	now := time.Date(2025, 1, 18, 10, 0, 0, 0, time.UTC)
	id := ItemID("evt-1")

	got := ItemPath(plan.ClassProject, "Home Landscaping Project", id, now)
	want := "30-projects/2025-01-18__home-landscaping-project__" + id + ".md"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if !strings.HasPrefix(ItemPath("bogus", "x", id, now), "00-inbox/") {
		t.Fatal("unknown classification should land in inbox")
	}
}

func TestItemIDStable(t *testing.T) {
	a := ItemID("evt-42")
	b := ItemID("evt-42")
	if a != b {
		t.Fatalf("item id not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "sb-") || len(a) != 11 {
		t.Fatalf("unexpected id shape %q", a)
	}
	if a == ItemID("evt-43") {
		t.Fatal("distinct events collided")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Home Landscaping Project": "home-landscaping-project",
		"  Weird:: punctuation!!":  "weird-punctuation",
		"":                         "untitled",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	fm := FrontMatter{
		ID:      "sb-a7f3c2d",
		Title:   "Offline sync",
		Type:    "idea",
		Created: "2025-01-18T10:00:00Z",
		Source:  "slack",
		Tags:    []string{"sync", "offline"},
	}

	doc, err := RenderItem(fm, "Capture offline edits and replay them.")
	if err != nil {
		t.Fatalf("RenderItem: %v", err)
	}
	if !strings.HasPrefix(doc, "---\n") {
		t.Fatalf("no front matter block: %q", doc)
	}
	if !strings.Contains(doc, "# Offline sync") {
		t.Fatal("missing title heading")
	}
	if !strings.Contains(doc, "Tags: #sync #offline") {
		t.Fatal("missing tags line")
	}

	parsed, body, err := ParseFrontMatter(doc)
	if err != nil {
		t.Fatalf("ParseFrontMatter: %v", err)
	}
	if parsed == nil || parsed.ID != fm.ID || parsed.Type != fm.Type {
		t.Fatalf("parsed %+v", parsed)
	}
	if !strings.Contains(body, "Capture offline edits") {
		t.Fatalf("body %q", body)
	}
}

func TestParseFrontMatterAbsent(t *testing.T) {
	fm, body, err := ParseFrontMatter("just a note\n")
	if err != nil {
		t.Fatalf("ParseFrontMatter: %v", err)
	}
	if fm != nil || body != "just a note\n" {
		t.Fatalf("got %+v %q", fm, body)
	}
}

func TestAdoptCommitsUncommittedItem(t *testing.T) {
	s := openTestRepo(t)

	abs := filepath.Join(s.Root(), "20-tasks", "orphan.md")
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte("# Orphan\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rev, err := s.Adopt("20-tasks/orphan.md", "# Orphan\n")
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if rev == "" {
		t.Fatal("empty revision from Adopt")
	}
	head, err := s.LatestRevision()
	if err != nil {
		t.Fatalf("LatestRevision: %v", err)
	}
	if head != rev {
		t.Fatalf("HEAD %s != adopt revision %s", head, rev)
	}
}

func TestAdoptAlreadyCommittedReturnsHead(t *testing.T) {
	s := openTestRepo(t)

	rev, err := s.Write("note.md", "hello\n", WriteCreate, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Adopt("note.md", "hello\n")
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if got != rev {
		t.Fatalf("adopt revision %s, want HEAD %s", got, rev)
	}
}

func TestAdoptRefusesDifferentContent(t *testing.T) {
	s := openTestRepo(t)

	if _, err := s.Write("note.md", "hello\n", WriteCreate, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Adopt("note.md", "goodbye\n"); !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("got %v, want ErrContentMismatch", err)
	}
}
