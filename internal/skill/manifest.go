package skill

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

//go:embed SKILL.md
var skillMD []byte

// ErrInvalidManifest is returned when a SKILL.md has no frontmatter or no name.
var ErrInvalidManifest = errors.New("skill: invalid manifest")

// Manifest is the frontmatter of a SKILL.md file.
type Manifest struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Version     string            `yaml:"version" json:"version"`
	Hooks       []string          `yaml:"hooks" json:"hooks"`
	Config      map[string]string `yaml:"config" json:"config,omitempty"`

	// Body is the markdown following the frontmatter.
	Body string `yaml:"-" json:"-"`
}

// ParseManifest parses a SKILL.md document.
// Format: ---\nYAML\n---\nContent
func ParseManifest(data []byte) (*Manifest, error) {
	parts := strings.SplitN(string(data), "---", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[0]) != "" {
		return nil, fmt.Errorf("%w: missing frontmatter", ErrInvalidManifest)
	}

	var m Manifest
	if err := yaml.Unmarshal([]byte(parts[1]), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	m.Body = strings.TrimSpace(parts[2])
	return &m, nil
}

// DefaultManifest returns the manifest shipped with the skill.
func DefaultManifest() *Manifest {
	m, err := ParseManifest(skillMD)
	if err != nil {
		panic(err)
	}
	return m
}
