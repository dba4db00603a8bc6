// Package identity keeps the agent's stable installation id.
package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type file struct {
	AgentID string `yaml:"agent_id"`
}

type Store struct {
	path     string
	hostname func() (string, error)
}

func NewStore(path string) *Store {
	return &Store{path: path, hostname: os.Hostname}
}

// FromHostname derives the fallback id: the first 16 bytes of the SHA-256 of
// the host name.
func FromHostname(hostname string) uuid.UUID {
	sum := sha256.Sum256([]byte(hostname))
	var id uuid.UUID
	copy(id[:], sum[:16])
	return id
}

// GetOrCreate returns the persisted id. When the file is missing or
// unreadable the id is derived from the host name and written back, so a
// reinstall on the same host keeps its identity.
func (s *Store) GetOrCreate() (string, error) {
	id, err := s.load()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Ignoring unreadable identity file", "path", s.path, "error", err)
	}

	derived := s.derive()
	if err := s.save(derived); err != nil {
		// The derived id is reproducible, so losing the write is not fatal.
		slog.Warn("Failed to persist agent identity", "path", s.path, "error", err)
	}
	slog.Info("Agent identity initialized", "agent_id", derived, "path", s.path)
	return derived, nil
}

func (s *Store) load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("failed to parse identity file: %w", err)
	}
	id, err := uuid.Parse(strings.TrimSpace(f.AgentID))
	if err != nil {
		return "", fmt.Errorf("invalid agent_id in identity file: %w", err)
	}
	return id.String(), nil
}

func (s *Store) derive() string {
	host, err := s.hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		slog.Warn("Host name unavailable, generating random agent identity", "error", err)
		return uuid.New().String()
	}
	return FromHostname(host).String()
}

func (s *Store) save(id string) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	data, err := yaml.Marshal(file{AgentID: id})
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
