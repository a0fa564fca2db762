package action

import (
	"fmt"
	"strconv"
)

// Wire is one action object as produced by a reasoning backend.
type Wire struct {
	Type     string         `json:"type"`
	Value    string         `json:"value,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// Decode converts wire actions to candidates, preserving order. It fails on
// the first action that cannot be mapped to its parameter variant.
func Decode(wires []Wire) ([]Candidate, error) {
	out := make([]Candidate, 0, len(wires))
	for i, w := range wires {
		c, err := decodeOne(w)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		c.Index = i
		out = append(out, c)
	}
	return out, nil
}

func decodeOne(w Wire) (Candidate, error) {
	kind, value := NormalizeKind(w.Type, w.Value)
	if kind == "" {
		return Candidate{}, fmt.Errorf("missing action type")
	}

	var params Params
	switch kind {
	case KindMove:
		direction := firstNonEmpty(value, str(w.Args, "direction"))
		if direction == "" {
			return Candidate{}, fmt.Errorf("move requires a direction")
		}
		speed, err := num(w.Args, "speed")
		if err != nil {
			return Candidate{}, err
		}
		params = Move{Direction: direction, Speed: speed}
	case KindSpeak:
		text := firstNonEmpty(value, str(w.Args, "text"))
		if text == "" {
			return Candidate{}, fmt.Errorf("speak requires text")
		}
		params = Speak{Text: text}
	case KindDisplay:
		params = Display{
			Text:       str(w.Args, "text"),
			Expression: firstNonEmpty(str(w.Args, "expression"), value),
		}
	default:
		values := make(map[string]any, len(w.Args)+1)
		for k, v := range w.Args {
			values[k] = v
		}
		if value != "" {
			values["value"] = value
		}
		params = Generic{ActionKind: kind, Values: values}
	}

	return Candidate{Kind: kind, Value: value, Params: params, Priority: w.Priority}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func str(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func num(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number, got %q", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
