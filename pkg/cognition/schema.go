package cognition

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/embodia/pkg/action"
	"github.com/harun/embodia/pkg/diag"
)

// ResponseSchema is the JSON schema every reasoning reply must satisfy.
const ResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["actions"],
  "properties": {
    "thought": {"type": "string"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "value": {"type": "string"},
          "priority": {"type": "integer"},
          "args": {"type": "object"}
        }
      }
    }
  }
}`

var responseSchema = gojsonschema.NewStringLoader(ResponseSchema)

type reply struct {
	Thought string        `json:"thought"`
	Actions []action.Wire `json:"actions"`
}

// Parse validates a raw reply and decodes its actions. Failures are returned
// as *diag.SchemaError.
func Parse(requestID uint64, content string) ([]action.Candidate, string, error) {
	doc := extractJSON(content)
	if doc == "" {
		return nil, "", &diag.SchemaError{RequestID: requestID, Reason: "no JSON object in reply"}
	}

	result, err := gojsonschema.Validate(responseSchema, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, "", &diag.SchemaError{RequestID: requestID, Reason: "invalid JSON", Err: err}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, "", &diag.SchemaError{RequestID: requestID, Reason: strings.Join(msgs, "; ")}
	}

	var r reply
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, "", &diag.SchemaError{RequestID: requestID, Reason: "decode failed", Err: err}
	}
	candidates, err := action.Decode(r.Actions)
	if err != nil {
		return nil, "", &diag.SchemaError{RequestID: requestID, Reason: err.Error(), Err: err}
	}
	return candidates, r.Thought, nil
}

// extractJSON strips code fences and surrounding prose. A bare array is
// treated as the action list.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}

	if strings.HasPrefix(s, "[") {
		return `{"actions":` + s + `}`
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
