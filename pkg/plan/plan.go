// Package plan defines the action plan produced by the classifier and the
// validation gate every plan must pass before the executor touches it.
//
// Plans arrive from an LLM, so the boundary is strict: Decode rejects payloads
// that do not parse cleanly into the closed Plan type rather than attempting
// partial interpretation.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Classification buckets a captured message.
type Classification string

const (
	ClassInbox    Classification = "inbox"
	ClassIdea     Classification = "idea"
	ClassDecision Classification = "decision"
	ClassProject  Classification = "project"
	ClassTask     Classification = "task"
)

// Classifications lists the valid values in display order.
func Classifications() []Classification {
	return []Classification{ClassInbox, ClassIdea, ClassDecision, ClassProject, ClassTask}
}

// WriteMode selects how an operation touches its target file.
type WriteMode string

const (
	ModeCreate WriteMode = "create"
	ModeAppend WriteMode = "append"
	ModeUpdate WriteMode = "update"
)

// Operation is one ordered write against the knowledge store.
type Operation struct {
	Path    string    `json:"path"`
	Content string    `json:"content"`
	Mode    WriteMode `json:"mode"`
}

// Notification is the optional email payload attached to task plans.
type Notification struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Plan is the validated description of the side effects to perform for one
// captured message.
type Plan struct {
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
	Title          string         `json:"title"`
	Summary        string         `json:"summary,omitempty"`
	Operations     []Operation    `json:"operations"`
	Notification   *Notification  `json:"notification,omitempty"`
}

// Decode parses raw JSON into a Plan, rejecting unknown fields and trailing
// garbage.
func Decode(raw []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode plan: trailing data after JSON object")
	}
	return &p, nil
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSON pulls a JSON object out of an LLM reply. Fenced code blocks are
// preferred; failing that the whole reply, then the first brace-balanced
// region, are tried.
func ExtractJSON(text string) ([]byte, error) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}

	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}

	if candidate, ok := firstBalancedObject(trimmed); ok {
		return []byte(candidate), nil
	}
	return nil, fmt.Errorf("no JSON object found in response")
}

func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return "", false
}
