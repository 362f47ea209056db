// Package plan loads run plans: YAML files naming the programs to launch
// and the comparison policy to apply to their snapshots.
//
// A plan is the declarative alternative to spelling a run out on the
// command line. Loading is strict: unknown fields are rejected so typos
// fail loudly instead of silently configuring nothing.
package plan

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Plan describes one run.
type Plan struct {
	// Name labels the run in the journal. Optional.
	Name string `yaml:"name,omitempty"`

	// Programs are the children to launch and compare. At least two.
	Programs []Program `yaml:"programs"`

	// TimeoutSeconds is the per-round rendezvous deadline in seconds.
	// Zero means the built-in default.
	TimeoutSeconds float64 `yaml:"timeout_seconds,omitempty"`

	// Epsilon is the tolerance for double comparisons. Zero means exact
	// equality.
	Epsilon float64 `yaml:"epsilon,omitempty"`

	// Relative scales epsilon by the larger magnitude of the two values
	// being compared.
	Relative bool `yaml:"relative,omitempty"`

	// NormalizeStrings compares strings after Unicode NFC normalization.
	NormalizeStrings bool `yaml:"normalize_strings,omitempty"`

	// KeepGoing reports mismatches without ending the run. The run is
	// still judged failed at the end.
	KeepGoing bool `yaml:"keep_going,omitempty"`

	// Journal is the SQLite journal path. Empty disables journaling.
	Journal string `yaml:"journal,omitempty"`

	// SocketDir is the directory for the control socket. Empty means the
	// system temp directory.
	SocketDir string `yaml:"socket_dir,omitempty"`
}

// Program names one child program and its argv.
type Program struct {
	// Name is the participant identity, e.g. "program1".
	Name string `yaml:"name"`

	// Command is the argv. Command[0] is the executable.
	Command []string `yaml:"command"`
}

// Timeout returns the per-round deadline; zero when the plan leaves it to
// the default.
func (p *Plan) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// Load reads and parses a plan file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	// Strict field validation catches typos like "program:" vs "programs:"
	var p Plan
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validatePlan(&p); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &p, nil
}

// validatePlan checks that required fields are present and valid.
func validatePlan(p *Plan) error {
	if len(p.Programs) < 2 {
		return fmt.Errorf("programs must name at least two programs, got %d", len(p.Programs))
	}

	seen := make(map[string]bool, len(p.Programs))
	for i, prog := range p.Programs {
		if prog.Name == "" {
			return fmt.Errorf("programs[%d]: name is required", i)
		}
		if seen[prog.Name] {
			return fmt.Errorf("programs[%d]: duplicate name %q", i, prog.Name)
		}
		seen[prog.Name] = true
		if len(prog.Command) == 0 {
			return fmt.Errorf("programs[%d]: command is required and must be non-empty", i)
		}
	}

	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	if p.Epsilon < 0 {
		return fmt.Errorf("epsilon must not be negative")
	}
	return nil
}
