package observation

import (
	"encoding/json"
	"fmt"
)

// DecodePayload builds a payload from its kind and a JSON body. It is used by
// the HTTP and websocket ingress.
func DecodePayload(kind PayloadKind, body json.RawMessage) (Payload, error) {
	switch kind {
	case KindText, "":
		var p Text
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode text payload: %w", err)
		}
		return p, nil
	case KindTranscript:
		var p Transcript
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode transcript payload: %w", err)
		}
		return p, nil
	case KindVector:
		var p Vector
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode vector payload: %w", err)
		}
		if len(p.Labels) > 0 && len(p.Labels) != len(p.Values) {
			return nil, fmt.Errorf("vector payload has %d labels for %d values", len(p.Labels), len(p.Values))
		}
		return p, nil
	case KindEvent:
		var p Event
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("event payload requires a name")
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown payload kind %q", kind)
}
