package cognition

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/embodia/pkg/fusion"
)

// DefaultSystemPrompt describes the reply format every backend must follow.
const DefaultSystemPrompt = `You control an embodied agent. Each turn you receive the latest observations
per input channel and a short history of previous turns. Reply with a single JSON object:
{"thought": "<short reasoning>", "actions": [{"type": "<kind>", "value": "<value>", "priority": <int>, "args": {}}]}
Known kinds include "move" (value: direction), "speak" (value: text) and "display" (value: expression).
Reply with {"actions": []} when nothing should happen. Do not wrap the JSON in prose.`

type promptChannel struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
	AgeMS   int64  `json:"age_ms"`
	Fresh   bool   `json:"fresh"`
}

type promptHistory struct {
	Observed string   `json:"observed"`
	Actions  []string `json:"actions"`
}

type promptBody struct {
	Now         string          `json:"now"`
	Channels    []promptChannel `json:"channels"`
	Unavailable []string        `json:"unavailable,omitempty"`
	History     []promptHistory `json:"history,omitempty"`
}

// RenderPrompt builds the prompt for a fused request.
func RenderPrompt(system string, req *fusion.Request) Prompt {
	if system == "" {
		system = DefaultSystemPrompt
	}

	body := promptBody{Now: req.Now.UTC().Format(time.RFC3339Nano), Channels: []promptChannel{}}
	for _, ch := range req.Channels {
		pc := promptChannel{Channel: ch.ChannelID, AgeMS: ch.Age.Milliseconds(), Fresh: ch.Fresh}
		if p := ch.Observation.Payload; p != nil {
			pc.Kind = string(p.Kind())
			pc.Content = p.Summary()
		}
		body.Channels = append(body.Channels, pc)
	}
	for _, o := range req.Omitted {
		body.Unavailable = append(body.Unavailable, fmt.Sprintf("%s (%s)", o.ChannelID, o.Reason))
	}
	for _, ex := range req.Context {
		body.History = append(body.History, promptHistory{Observed: ex.Summary, Actions: ex.Actions})
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		data = []byte(req.Summary())
	}

	var sb strings.Builder
	sb.WriteString("Observations:\n")
	sb.Write(data)
	sb.WriteString("\n")

	return Prompt{System: system, User: sb.String(), Request: req}
}
