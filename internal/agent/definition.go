// Package agent holds the per-agent runtime: the YAML definition, the
// registry of handles, the persistent conversation state, and the loop that
// schedules backend turns off the inbox.
package agent

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	"github.com/agentworker/agentworker/pkg/protocol"
)

// Definition is one agent's declarative config, persisted as YAML in the
// agents dir or embedded in a workflow file.
type Definition struct {
	Name         string         `yaml:"name" json:"name"`
	Model        string         `yaml:"model,omitempty" json:"model,omitempty"`
	Backend      string         `yaml:"backend,omitempty" json:"backend,omitempty"`
	SystemPrompt string         `yaml:"system,omitempty" json:"system,omitempty"`
	Schedule     string         `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	MaxTokens    int            `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
	MaxSteps     int            `yaml:"maxSteps,omitempty" json:"maxSteps,omitempty"`
	Context      *ContextConfig `yaml:"context,omitempty" json:"context,omitempty"`
}

// ContextConfig tunes what the prompt assembler pulls in.
type ContextConfig struct {
	ProjectBrief string `yaml:"project,omitempty" json:"project,omitempty"`
	DocumentPath string `yaml:"document,omitempty" json:"document,omitempty"`
}

var nameOK = func(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Validate checks the definition before registration. Cron schedules are
// rejected here rather than at first tick.
func (d *Definition) Validate() error {
	if !nameOK(d.Name) {
		return fmt.Errorf("agent name %q: %w (lowercase letters, digits, - and _ only)", d.Name, protocol.ErrInvalid)
	}
	if d.Schedule != "" && !gronx.New().IsValid(d.Schedule) {
		return fmt.Errorf("agent %s schedule %q: %w (not a cron expression)", d.Name, d.Schedule, protocol.ErrInvalid)
	}
	return nil
}

// ParseDefinition decodes one YAML definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse agent definition: %w: %w", protocol.ErrInvalid, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Encode renders the canonical on-disk form.
func (d *Definition) Encode() ([]byte, error) {
	return yaml.Marshal(d)
}
