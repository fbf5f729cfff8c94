package knowledge

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inklet/inklet/pkg/plan"
)

// FrontMatter is the YAML header every knowledge item carries.
type FrontMatter struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title"`
	Type    string   `yaml:"type"`
	Created string   `yaml:"created"`
	Source  string   `yaml:"source,omitempty"`
	Alias   string   `yaml:"alias,omitempty"`
	Summary string   `yaml:"summary,omitempty"`
	Parent  string   `yaml:"parent,omitempty"`
	Status  string   `yaml:"status,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
}

// ItemID derives the stable item id from the event id, content-addressed so a
// retried event produces the same id.
func ItemID(eventID string) string {
	sum := sha256.Sum256([]byte(eventID))
	return fmt.Sprintf("sb-%x", sum[:4])
}

var classDirs = map[plan.Classification]string{
	plan.ClassInbox:    "00-inbox",
	plan.ClassIdea:     "10-ideas",
	plan.ClassDecision: "20-decisions",
	plan.ClassProject:  "30-projects",
	plan.ClassTask:     "40-tasks",
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a title into a filename fragment.
func Slug(title string) string {
	s := slugStripRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "untitled"
	}
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	return s
}

// ItemPath computes the deterministic repo path for an item:
// <class dir>/<date>__<slug>__<id>.md
func ItemPath(class plan.Classification, title, itemID string, now time.Time) string {
	dir, ok := classDirs[class]
	if !ok {
		dir = "00-inbox"
	}
	return fmt.Sprintf("%s/%s__%s__%s.md", dir, now.UTC().Format("2006-01-02"), Slug(title), itemID)
}

// RenderItem produces the full markdown document for a captured item:
// front matter block, title heading, body, and a trailing tags line when tags
// are present.
func RenderItem(fm FrontMatter, body string) (string, error) {
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString("# " + strings.TrimSpace(fm.Title) + "\n\n")
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
	if len(fm.Tags) > 0 {
		b.WriteString("\nTags: #" + strings.Join(fm.Tags, " #") + "\n")
	}
	return b.String(), nil
}

// ParseFrontMatter splits an item document into its front matter and body.
// Documents without a front matter block return a nil FrontMatter and the
// content unchanged.
func ParseFrontMatter(content string) (*FrontMatter, string, error) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, content, nil
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return nil, content, nil
	}

	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return nil, "", fmt.Errorf("parse front matter: %w", err)
	}
	body := strings.TrimPrefix(rest[idx+5:], "\n")
	return &fm, body, nil
}
