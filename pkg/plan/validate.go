package plan

import (
	"fmt"
	"strings"
)

// FieldError describes one validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Validator checks plans against the capture contract. The zero value is
// ready to use.
type Validator struct{}

// Validate returns whether the plan may be executed, with field-level errors
// when it may not.
func (Validator) Validate(p *Plan) (bool, []FieldError) {
	var errs []FieldError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p == nil {
		add("plan", "missing plan")
		return false, errs
	}

	if !validClassification(p.Classification) {
		add("classification", "invalid classification: %q", p.Classification)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		add("confidence", "confidence out of range [0, 1]: %g", p.Confidence)
	}
	if strings.TrimSpace(p.Title) == "" {
		add("title", "title is required")
	}
	if strings.TrimSpace(p.Reasoning) == "" {
		add("reasoning", "reasoning is required")
	}

	if len(p.Operations) == 0 {
		add("operations", "at least one operation is required")
	}
	for i, op := range p.Operations {
		field := fmt.Sprintf("operations[%d]", i)
		if strings.TrimSpace(op.Path) == "" {
			add(field+".path", "path is required")
		} else if strings.HasPrefix(op.Path, "/") || strings.Contains(op.Path, "..") {
			add(field+".path", "path must be repo-relative without traversal: %q", op.Path)
		}
		switch op.Mode {
		case ModeCreate, ModeAppend, ModeUpdate:
		default:
			add(field+".mode", "invalid mode: %q", op.Mode)
		}
		if op.Content == "" {
			add(field+".content", "content is required")
		}
	}

	if p.Notification != nil {
		if strings.TrimSpace(p.Notification.Subject) == "" {
			add("notification.subject", "subject is required")
		}
		if strings.TrimSpace(p.Notification.Body) == "" {
			add("notification.body", "body is required")
		}
	}

	return len(errs) == 0, errs
}

func validClassification(c Classification) bool {
	switch c {
	case ClassInbox, ClassIdea, ClassDecision, ClassProject, ClassTask:
		return true
	default:
		return false
	}
}

// Notifiable reports whether this plan carries a notification to dispatch.
// Only task plans notify; other classifications skip the step.
func (p *Plan) Notifiable() bool {
	return p.Classification == ClassTask && p.Notification != nil
}
