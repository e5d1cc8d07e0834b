package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Kind identifies the hosting provider a project lives on
type Kind string

const (
	KindGitHub Kind = "github"
)

// Project is one tracked repository and the environment tag that must follow
// its default branch
type Project struct {
	Kind        Kind   `yaml:"kind" toml:"kind" json:"kind"`
	Owner       string `yaml:"owner" toml:"owner" json:"owner"`
	Repo        string `yaml:"repo" toml:"repo" json:"repo"`
	Environment string `yaml:"environment" toml:"environment" json:"environment"`
}

// FullName returns owner/repo
func (p Project) FullName() string {
	return p.Owner + "/" + p.Repo
}

// TagRef returns the fully qualified ref of the environment tag
func (p Project) TagRef() string {
	return "refs/tags/" + p.Environment
}

func (p Project) String() string {
	return fmt.Sprintf("%s:%s@%s", p.Kind, p.FullName(), p.Environment)
}

// Validate checks that the identifying fields are set. The kind is not
// checked here; unsupported kinds are rejected when a sync pass dispatches
// the project.
func (p Project) Validate() error {
	if p.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if p.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if p.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if strings.ContainsAny(p.Environment, " ~^:?*[\\") || strings.HasPrefix(p.Environment, "refs/") {
		return fmt.Errorf("environment %q is not a valid tag name", p.Environment)
	}
	return nil
}

// Registry supplies the ordered list of tracked projects
type Registry interface {
	Projects() []Project
}

// Static is a Registry backed by an in-memory list
type Static struct {
	projects []Project
}

// NewStatic creates a registry over the given projects. Projects without a
// kind default to GitHub.
func NewStatic(projects []Project) *Static {
	out := make([]Project, len(projects))
	for i, p := range projects {
		if p.Kind == "" {
			p.Kind = KindGitHub
		}
		out[i] = p
	}
	return &Static{projects: out}
}

// Projects returns a copy of the project list
func (s *Static) Projects() []Project {
	out := make([]Project, len(s.projects))
	copy(out, s.projects)
	return out
}

type fileContents struct {
	Projects []Project `yaml:"projects" toml:"projects" json:"projects"`
}

// LoadFile reads a registry file. The format is chosen by extension:
// .yaml/.yml, .toml or .json.
func LoadFile(path string) (*Static, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var contents fileContents
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &contents)
	case ".toml":
		err = toml.Unmarshal(data, &contents)
	case ".json":
		err = json.Unmarshal(data, &contents)
	default:
		return nil, fmt.Errorf("unsupported registry file format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	for i, p := range contents.Projects {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("registry file project %d: %w", i, err)
		}
	}

	return NewStatic(contents.Projects), nil
}
