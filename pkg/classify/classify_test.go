package classify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/plan"
)

type fakeProvider struct {
	reply string
	err   error
	calls int
}

func (f *fakeProvider) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func fixedNow() time.Time {
	return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
}

func testMessage() bus.InboundMessage {
	return bus.InboundMessage{
		EventID:  "slack:C123:1724900000.000100",
		Channel:  "slack",
		SenderID: "U456",
		ChatID:   "C123",
		Content:  "Renew the domain registration before September 15",
	}
}

func newTestClassifier(reply string) (*Classifier, *fakeProvider) {
	p := &fakeProvider{reply: reply}
	return NewClassifier(p).withNow(fixedNow), p
}

func TestClassifyTaskWithNotification(t *testing.T) {
	c, _ := newTestClassifier(`{
		"classification": "task",
		"confidence": 0.93,
		"reasoning": "concrete deadline and action",
		"title": "Renew domain registration",
		"summary": "Renew the domain before Sep 15",
		"body": "Renew the domain registration.\n\nDeadline: September 15.",
		"tags": ["Admin", "domains"],
		"notification": {"subject": "Task: renew domain", "body": "Due September 15"}
	}`)

	p, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if p.Classification != plan.ClassTask {
		t.Errorf("Classification = %s, want task", p.Classification)
	}
	if p.Notification == nil || p.Notification.Subject != "Task: renew domain" {
		t.Errorf("Notification = %+v", p.Notification)
	}
	if len(p.Operations) != 1 {
		t.Fatalf("Operations = %d, want 1", len(p.Operations))
	}

	op := p.Operations[0]
	if !strings.HasPrefix(op.Path, "40-tasks/2026-08-29__renew-domain-registration__sb-") {
		t.Errorf("Path = %q", op.Path)
	}
	if op.Mode != plan.ModeCreate {
		t.Errorf("Mode = %s, want create", op.Mode)
	}
	if !strings.Contains(op.Content, "# Renew domain registration") {
		t.Errorf("Content missing title heading:\n%s", op.Content)
	}
	if !strings.Contains(op.Content, "type: task") {
		t.Errorf("Content missing front matter type:\n%s", op.Content)
	}
	if !strings.Contains(op.Content, "Tags: #admin #domains") {
		t.Errorf("Tags not normalized:\n%s", op.Content)
	}

	if valid, verrs := (plan.Validator{}).Validate(p); !valid {
		t.Errorf("Assembled plan failed validation: %v", verrs)
	}
}

func TestClassifyIsDeterministicPerEvent(t *testing.T) {
	reply := `{"classification": "idea", "confidence": 0.85, "reasoning": "speculative", "title": "Solar shed roof", "body": "Put panels on the shed."}`
	c1, _ := newTestClassifier(reply)
	c2, _ := newTestClassifier(reply)

	p1, err := c1.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("First classify: %v", err)
	}
	p2, err := c2.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Second classify: %v", err)
	}

	if p1.Operations[0].Path != p2.Operations[0].Path {
		t.Errorf("Paths differ: %q vs %q", p1.Operations[0].Path, p2.Operations[0].Path)
	}
	if p1.Operations[0].Content != p2.Operations[0].Content {
		t.Error("Contents differ across identical redeliveries")
	}
}

func TestLowConfidenceFallsBackToInbox(t *testing.T) {
	c, _ := newTestClassifier(`{"classification": "decision", "confidence": 0.4, "reasoning": "maybe a decision", "title": "Hosting move"}`)

	p, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if p.Classification != plan.ClassInbox {
		t.Errorf("Classification = %s, want inbox", p.Classification)
	}
	if !strings.HasPrefix(p.Operations[0].Path, "00-inbox/") {
		t.Errorf("Path = %q, want 00-inbox prefix", p.Operations[0].Path)
	}
}

func TestUnknownClassificationFallsBackToInbox(t *testing.T) {
	c, _ := newTestClassifier(`{"classification": "memo", "confidence": 0.95, "reasoning": "looks like a memo", "title": "Something"}`)

	p, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if p.Classification != plan.ClassInbox {
		t.Errorf("Classification = %s, want inbox", p.Classification)
	}
}

func TestNonTaskNotificationIsDropped(t *testing.T) {
	c, _ := newTestClassifier(`{"classification": "idea", "confidence": 0.9, "reasoning": "just a thought", "title": "Newsletter", "notification": {"subject": "x", "body": "y"}}`)

	p, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if p.Notification != nil {
		t.Errorf("Non-task plan carries notification: %+v", p.Notification)
	}
}

func TestFencedReplyIsParsed(t *testing.T) {
	c, _ := newTestClassifier("Here is my classification:\n```json\n{\"classification\": \"task\", \"confidence\": 0.9, \"reasoning\": \"actionable\", \"title\": \"Call plumber\"}\n```")

	p, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if p.Title != "Call plumber" {
		t.Errorf("Title = %q", p.Title)
	}
}

func TestGarbageReplyIsAnError(t *testing.T) {
	c, _ := newTestClassifier("I cannot classify this message, sorry!")

	if _, err := c.Classify(context.Background(), testMessage()); err == nil {
		t.Fatal("Expected error for reply without JSON")
	}
}

func TestUnknownVerdictFieldIsAnError(t *testing.T) {
	c, _ := newTestClassifier(`{"classification": "task", "confidence": 0.9, "reasoning": "r", "title": "T", "operations": [{"path": "x"}]}`)

	if _, err := c.Classify(context.Background(), testMessage()); err == nil {
		t.Fatal("Expected error for verdict with unexpected fields")
	}
}

func TestMissingTitleGetsFallback(t *testing.T) {
	c, _ := newTestClassifier(`{"classification": "inbox", "confidence": 0.9, "reasoning": "unclear", "title": ""}`)

	p, err := c.Classify(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if p.Title != "Renew the domain registration before September 15" {
		t.Errorf("Title = %q, want first line of message", p.Title)
	}
}

func TestProviderErrorPropagates(t *testing.T) {
	p := &fakeProvider{err: context.DeadlineExceeded}
	c := NewClassifier(p).withNow(fixedNow)

	if _, err := c.Classify(context.Background(), testMessage()); err == nil {
		t.Fatal("Expected provider error to propagate")
	}
	if p.calls != 1 {
		t.Errorf("Provider called %d times, want 1", p.calls)
	}
}
