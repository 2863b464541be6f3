package buildloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ScriptCall is one tool call in a script.
type ScriptCall struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments"`
}

// ScriptStep is the reply for one round.
type ScriptStep struct {
	Text      string       `yaml:"text"`
	ToolCalls []ScriptCall `yaml:"tool_calls"`
	Error     string       `yaml:"error"`
}

type Script struct {
	Rounds []ScriptStep `yaml:"rounds"`
}

// ScriptedOracle replays a fixed script, one step per round. Once the script
// runs out it returns empty replies.
type ScriptedOracle struct {
	mu       sync.Mutex
	steps    []ScriptStep
	next     int
	requests []Request
}

func NewScriptedOracle(steps ...ScriptStep) *ScriptedOracle {
	return &ScriptedOracle{steps: steps}
}

// ParseScript reads a YAML (or JSON) script.
func ParseScript(data []byte) (*ScriptedOracle, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse oracle script: %w", err)
	}
	return NewScriptedOracle(s.Rounds...), nil
}

func LoadScript(path string) (*ScriptedOracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oracle script: %w", err)
	}
	return ParseScript(data)
}

func (o *ScriptedOracle) Next(ctx context.Context, req Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.next >= len(o.steps) {
		return &Reply{}, nil
	}
	step := o.steps[o.next]
	o.next++

	if step.Error != "" {
		return nil, fmt.Errorf("scripted failure: %s", step.Error)
	}
	reply := &Reply{Text: step.Text}
	for i, c := range step.ToolCalls {
		args, err := json.Marshal(c.Arguments)
		if err != nil {
			return nil, fmt.Errorf("round %d call %s: %w", o.next, c.Name, err)
		}
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", o.next, i+1)
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{ID: id, Name: c.Name, Arguments: args})
	}
	return reply, nil
}

// Requests returns every request the oracle received.
func (o *ScriptedOracle) Requests() []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Request(nil), o.requests...)
}
