package agent

import (
	"errors"
	"testing"

	"github.com/agentworker/agentworker/pkg/protocol"
)

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"minimal", "name: writer\n", false},
		{"full", "name: writer\nmodel: m1\nbackend: mock\nsystem: be brief\nschedule: \"*/5 * * * *\"\nmaxSteps: 4\n", false},
		{"missing name", "model: m1\n", true},
		{"bad name chars", "name: Writer One\n", true},
		{"bad schedule", "name: writer\nschedule: every 5 minutes\n", true},
		{"bad yaml", "name: [writer\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got %+v", def)
				}
				if !errors.Is(err, protocol.ErrInvalid) {
					t.Fatalf("want ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if def.Name != "writer" {
				t.Fatalf("name = %q", def.Name)
			}
		})
	}
}

func TestDefinitionEncodeRoundTrip(t *testing.T) {
	def := &Definition{Name: "planner", Model: "m1", SystemPrompt: "plan things", MaxSteps: 6}
	data, err := def.Encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseDefinition(data)
	if err != nil {
		t.Fatal(err)
	}
	if *back != *def {
		t.Fatalf("round trip: %+v != %+v", back, def)
	}
}
