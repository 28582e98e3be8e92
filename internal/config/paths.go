package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the agent-worker state directory, normally
// $HOME/.agent-worker. AGENT_WORKER_HOME overrides it (tests, containers).
func BaseDir() string {
	if v := os.Getenv("AGENT_WORKER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-worker"
	}
	return filepath.Join(home, ".agent-worker")
}

// ConfigPath returns the config file location.
func ConfigPath() string { return filepath.Join(BaseDir(), "config.json") }

// DiscoveryPath returns the daemon discovery file location.
func DiscoveryPath() string { return filepath.Join(BaseDir(), "daemon.json") }

// AgentsDir holds one YAML definition per persistent agent.
func AgentsDir() string { return filepath.Join(BaseDir(), "agents") }

// AgentContextDir is the persistent context tree for one agent
// (memory/, notes/, todo/, conversations/).
func AgentContextDir(name string) string {
	return filepath.Join(BaseDir(), "contexts", "agent-"+name)
}

// WorkflowContextDir is the shared context tree for one workflow instance.
func WorkflowContextDir(name, tag string) string {
	return filepath.Join(BaseDir(), "contexts", fmt.Sprintf("workflow-%s-%s", name, tag))
}
