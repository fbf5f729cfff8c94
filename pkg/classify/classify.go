// Package classify turns a captured chat message into an executable plan by
// asking an LLM for a strict JSON verdict and assembling the deterministic
// store operations around it. Everything the model returns is treated as
// untrusted input; the assembled plan still goes through validation before
// any side effect runs.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/knowledge"
	"github.com/inklet/inklet/pkg/logger"
	"github.com/inklet/inklet/pkg/plan"
)

// Provider is one LLM backend capable of a single system+user completion.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

const defaultConfidenceFloor = 0.6

// verdict is the model's reply, decoded strictly. It deliberately carries no
// paths or write modes; those are derived here so the model cannot steer
// writes outside the item layout.
type verdict struct {
	Classification string        `json:"classification"`
	Confidence     float64       `json:"confidence"`
	Reasoning      string        `json:"reasoning"`
	Title          string        `json:"title"`
	Summary        string        `json:"summary,omitempty"`
	Body           string        `json:"body,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Notification   *notification `json:"notification,omitempty"`
}

type notification struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const systemPrompt = `You classify short personal notes into exactly one bucket and reply with a single JSON object, nothing else.

Buckets:
- "inbox": unclear or unclassifiable, needs human triage
- "idea": a thought or possibility, no commitment
- "decision": a choice that has been made
- "project": a multi-step effort with an outcome
- "task": a concrete actionable item

Reply with this JSON shape:
{
  "classification": "inbox|idea|decision|project|task",
  "confidence": 0.0-1.0,
  "reasoning": "one sentence on why this bucket",
  "title": "short title, a few words",
  "summary": "one sentence summary",
  "body": "the note restated as clean markdown, preserving all facts",
  "tags": ["lowercase", "keywords"],
  "notification": {"subject": "...", "body": "..."}
}

Include "notification" only for tasks that deserve an email reminder; omit it otherwise. Do not wrap the JSON in prose.`

// Classifier assembles plans from provider verdicts.
type Classifier struct {
	provider Provider

	// confidenceFloor re-buckets low-confidence verdicts into inbox instead
	// of trusting a shaky classification.
	confidenceFloor float64
	nowFn           func() time.Time
}

func NewClassifier(provider Provider) *Classifier {
	return &Classifier{
		provider:        provider,
		confidenceFloor: defaultConfidenceFloor,
		nowFn:           time.Now,
	}
}

// WithConfidenceFloor overrides the threshold below which verdicts fall back
// to inbox. Zero disables the fallback.
func (c *Classifier) WithConfidenceFloor(floor float64) *Classifier {
	c.confidenceFloor = floor
	return c
}

func (c *Classifier) withNow(nowFn func() time.Time) *Classifier {
	if nowFn != nil {
		c.nowFn = nowFn
	}
	return c
}

// Classify produces the plan for one inbound message.
func (c *Classifier) Classify(ctx context.Context, msg bus.InboundMessage) (*plan.Plan, error) {
	reply, err := c.provider.Complete(ctx, systemPrompt, userPrompt(msg))
	if err != nil {
		return nil, fmt.Errorf("classify via %s: %w", c.provider.Name(), err)
	}

	raw, err := plan.ExtractJSON(reply)
	if err != nil {
		return nil, fmt.Errorf("classify via %s: %w", c.provider.Name(), err)
	}

	v, err := decodeVerdict(raw)
	if err != nil {
		return nil, fmt.Errorf("classify via %s: %w", c.provider.Name(), err)
	}

	return c.assemble(msg, v), nil
}

func userPrompt(msg bus.InboundMessage) string {
	var b strings.Builder
	b.WriteString("Source: " + msg.Channel)
	if msg.SenderID != "" {
		b.WriteString(" (sender " + msg.SenderID + ")")
	}
	b.WriteString("\nNote:\n")
	b.WriteString(msg.Content)
	return b.String()
}

func decodeVerdict(raw []byte) (*verdict, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var v verdict
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &v, nil
}

// assemble builds the deterministic plan around the verdict. The item id is
// content-addressed from the event id, so a redelivered event assembles the
// exact same operations.
func (c *Classifier) assemble(msg bus.InboundMessage, v *verdict) *plan.Plan {
	class := plan.Classification(v.Classification)
	if !knownClassification(class) {
		logger.WarnCF("classify", "Unknown classification, routing to inbox", map[string]interface{}{
			"event_id":       msg.EventID,
			"classification": v.Classification,
		})
		class = plan.ClassInbox
	}
	if c.confidenceFloor > 0 && v.Confidence < c.confidenceFloor && class != plan.ClassInbox {
		logger.InfoCF("classify", "Low confidence, routing to inbox", map[string]interface{}{
			"event_id":   msg.EventID,
			"confidence": v.Confidence,
			"original":   string(class),
		})
		class = plan.ClassInbox
	}

	title := strings.TrimSpace(v.Title)
	if title == "" {
		title = fallbackTitle(msg.Content)
	}
	body := v.Body
	if strings.TrimSpace(body) == "" {
		body = msg.Content
	}

	now := c.nowFn()
	itemID := knowledge.ItemID(msg.EventID)
	fm := knowledge.FrontMatter{
		ID:      itemID,
		Title:   title,
		Type:    string(class),
		Created: now.UTC().Format(time.RFC3339),
		Source:  msg.Channel + ":" + msg.SenderID,
		Summary: v.Summary,
		Tags:    normalizeTags(v.Tags),
	}

	content, err := knowledge.RenderItem(fm, body)
	if err != nil {
		// yaml.Marshal on a plain struct does not fail in practice; keep the
		// raw note rather than dropping the event.
		content = body
	}

	p := &plan.Plan{
		Classification: class,
		Confidence:     v.Confidence,
		Reasoning:      v.Reasoning,
		Title:          title,
		Summary:        v.Summary,
		Operations: []plan.Operation{
			{
				Path:    knowledge.ItemPath(class, title, itemID, now),
				Content: content,
				Mode:    plan.ModeCreate,
			},
		},
	}
	if class == plan.ClassTask && v.Notification != nil {
		p.Notification = &plan.Notification{
			Subject: v.Notification.Subject,
			Body:    v.Notification.Body,
		}
	}
	return p
}

func knownClassification(c plan.Classification) bool {
	for _, k := range plan.Classifications() {
		if c == k {
			return true
		}
	}
	return false
}

func fallbackTitle(content string) string {
	line := strings.TrimSpace(content)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	runes := []rune(line)
	if len(runes) > 60 {
		line = strings.TrimSpace(string(runes[:60]))
	}
	if line == "" {
		return "Untitled note"
	}
	return line
}

func normalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(t, "#")))
		t = strings.ReplaceAll(t, " ", "-")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
