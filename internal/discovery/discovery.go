// Package discovery publishes the running daemon's address in
// $HOME/.agent-worker/daemon.json so CLI clients can find it without
// configuration. The file is written atomically and cleaned up by whoever
// finds it stale.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// Info is the discovery document.
type Info struct {
	PID       int    `json:"pid"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	StartedAt int64  `json:"startedAt"` // epoch milliseconds
	Token     string `json:"token,omitempty"`
}

// BaseURL returns the daemon's HTTP address.
func (i *Info) BaseURL() string {
	host := i.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, i.Port)
}

// Write publishes the discovery file atomically (temp + rename).
func Write(info Info) error {
	if info.StartedAt == 0 {
		info.StartedAt = time.Now().UnixMilli()
	}
	path := config.DiscoveryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("discovery dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".daemon-*.json")
	if err != nil {
		return fmt.Errorf("discovery write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("discovery write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("discovery write: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("discovery write: %w", err)
	}
	return nil
}

// Remove deletes the discovery file. Missing is fine.
func Remove() error {
	err := os.Remove(config.DiscoveryPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read loads the discovery file and probes the recorded pid. A dead daemon's
// file is garbage-collected and reported as not found.
func Read() (*Info, error) {
	data, err := os.ReadFile(config.DiscoveryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no daemon running: %w", protocol.ErrNotFound)
		}
		return nil, fmt.Errorf("discovery read: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("discovery parse: %w: %w", protocol.ErrInvalid, err)
	}
	if !pidAlive(info.PID) {
		slog.Info("discovery.stale", "pid", info.PID)
		_ = Remove()
		return nil, fmt.Errorf("daemon pid %d is gone: %w", info.PID, protocol.ErrNotFound)
	}
	return &info, nil
}

// pidAlive probes with signal 0; EPERM still means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
