package plan

import (
	"strings"
	"testing"
)

func validPlan() *Plan {
	return &Plan{
		Classification: ClassIdea,
		Confidence:     0.9,
		Reasoning:      "short note about a product idea",
		Title:          "Offline-first sync",
		Summary:        "Captured an idea about offline-first sync",
		Operations: []Operation{
			{Path: "ideas/offline-first-sync.md", Content: "# Offline-first sync\n", Mode: ModeCreate},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	ok, errs := Validator{}.Validate(validPlan())
	if !ok {
		t.Fatalf("valid plan rejected: %v", errs)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Plan)
		field  string
	}{
		{"bad classification", func(p *Plan) { p.Classification = "note" }, "classification"},
		{"confidence above one", func(p *Plan) { p.Confidence = 1.5 }, "confidence"},
		{"confidence negative", func(p *Plan) { p.Confidence = -0.1 }, "confidence"},
		{"missing title", func(p *Plan) { p.Title = "  " }, "title"},
		{"missing reasoning", func(p *Plan) { p.Reasoning = "" }, "reasoning"},
		{"no operations", func(p *Plan) { p.Operations = nil }, "operations"},
		{"bad mode", func(p *Plan) { p.Operations[0].Mode = "write" }, "operations[0].mode"},
		{"absolute path", func(p *Plan) { p.Operations[0].Path = "/etc/passwd" }, "operations[0].path"},
		{"traversal path", func(p *Plan) { p.Operations[0].Path = "../secrets.md" }, "operations[0].path"},
		{"empty content", func(p *Plan) { p.Operations[0].Content = "" }, "operations[0].content"},
		{"notification without subject", func(p *Plan) {
			p.Classification = ClassTask
			p.Notification = &Notification{Body: "do it"}
		}, "notification.subject"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPlan()
			tc.mutate(p)
			ok, errs := Validator{}.Validate(p)
			if ok {
				t.Fatal("invalid plan accepted")
			}
			found := false
			for _, e := range errs {
				if e.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("no error for field %q in %v", tc.field, errs)
			}
		})
	}
}

func TestNotifiable(t *testing.T) {
	p := validPlan()
	if p.Notifiable() {
		t.Fatal("idea plan should not notify")
	}

	p.Classification = ClassTask
	if p.Notifiable() {
		t.Fatal("task plan without payload should not notify")
	}

	p.Notification = &Notification{Subject: "s", Body: "b"}
	if !p.Notifiable() {
		t.Fatal("task plan with payload should notify")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	raw := `{"classification":"idea","confidence":0.5,"reasoning":"r","title":"t","operations":[],"priority":"high"}`
	if _, err := Decode([]byte(raw)); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	raw := `{"classification":"idea","confidence":0.5,"reasoning":"r","title":"t","operations":[]} extra`
	if _, err := Decode([]byte(raw)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"classification\": \"task\"}\n```\nDone."
	raw, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if !strings.Contains(string(raw), `"task"`) {
		t.Fatalf("got %q", raw)
	}
}

func TestExtractJSONBareObject(t *testing.T) {
	raw, err := ExtractJSON(`  {"classification": "inbox"}  `)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(raw) != `{"classification": "inbox"}` {
		t.Fatalf("got %q", raw)
	}
}

func TestExtractJSONEmbeddedObject(t *testing.T) {
	text := `The classifier says: {"classification": "idea", "nested": {"a": 1}} — confidence high.`
	raw, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if !strings.HasPrefix(string(raw), `{"classification"`) || !strings.Contains(string(raw), `"nested"`) {
		t.Fatalf("got %q", raw)
	}
}

func TestExtractJSONNone(t *testing.T) {
	if _, err := ExtractJSON("no structured payload here"); err == nil {
		t.Fatal("expected error for non-JSON text")
	}
}
