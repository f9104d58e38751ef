// Package config provides scenario loading for simulation runs.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Scenario is the YAML description of one simulation run: the resources in
// play, the behavior instances, the tasks and how they are wired.
type Scenario struct {
	Name     string  `yaml:"name"     validate:"required"`
	Seed     int64   `yaml:"seed"`
	Horizon  float64 `yaml:"horizon"  validate:"gt=0"`
	LogLevel string  `yaml:"log_level"`

	Resources []ResourceConfig `yaml:"resources" validate:"dive"`
	Behaviors []BehaviorConfig `yaml:"behaviors" validate:"dive"`
	Tasks     []TaskConfig     `yaml:"tasks"     validate:"required,min=1,dive"`
	Workflow  *WorkflowConfig  `yaml:"workflow"`
}

type ResourceConfig struct {
	ID       string  `yaml:"id"       validate:"required"`
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"     validate:"required"`
	Quantity float64 `yaml:"quantity" validate:"gte=0"`
	Unit     string  `yaml:"unit"`
}

type BehaviorConfig struct {
	ID     string         `yaml:"id"     validate:"required"`
	Type   string         `yaml:"type"   validate:"required"`
	Config map[string]any `yaml:"config"`
}

type RequirementConfig struct {
	Kind      string  `yaml:"kind"      validate:"required"`
	Name      string  `yaml:"name"      validate:"required"`
	Quantity  float64 `yaml:"quantity"  validate:"gt=0"`
	Mandatory bool    `yaml:"mandatory"`
}

type OutputConfig struct {
	ID       string  `yaml:"id"       validate:"required"`
	Kind     string  `yaml:"kind"     validate:"required"`
	Quantity float64 `yaml:"quantity" validate:"gt=0"`
	Unit     string  `yaml:"unit"`
}

type TaskConfig struct {
	ID       string              `yaml:"id"       validate:"required"`
	Name     string              `yaml:"name"`
	Duration float64             `yaml:"duration" validate:"gte=0"`
	Priority int                 `yaml:"priority"`
	Behavior string              `yaml:"behavior"`
	Requires []RequirementConfig `yaml:"requires" validate:"dive"`
	Produces []OutputConfig      `yaml:"produces" validate:"dive"`
}

type EdgeConfig struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to"   validate:"required"`
}

type SyncPointConfig struct {
	ID        string   `yaml:"id"        validate:"required"`
	Members   []string `yaml:"members"   validate:"required,min=1"`
	Policy    string   `yaml:"policy"    validate:"required"`
	Threshold int      `yaml:"threshold"`
	Timeout   float64  `yaml:"timeout"`
}

type WorkflowConfig struct {
	Edges      []EdgeConfig      `yaml:"edges"       validate:"dive"`
	SyncPoints []SyncPointConfig `yaml:"sync_points" validate:"dive"`
}

var validate = validator.New()

// Load reads and validates a scenario file. Cross-references (tasks naming
// unknown behaviors, edges naming unknown tasks) are checked here so a bad
// scenario fails before any simulation state exists.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates scenario bytes.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if sc.Horizon == 0 {
		sc.Horizon = 1000
	}
	if sc.LogLevel == "" {
		sc.LogLevel = "info"
	}
	if err := validate.Struct(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := sc.checkReferences(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) checkReferences() error {
	behaviors := map[string]bool{}
	for _, b := range sc.Behaviors {
		if behaviors[b.ID] {
			return fmt.Errorf("invalid scenario: duplicate behavior id %q", b.ID)
		}
		behaviors[b.ID] = true
	}

	tasks := map[string]bool{}
	for _, t := range sc.Tasks {
		if tasks[t.ID] {
			return fmt.Errorf("invalid scenario: duplicate task id %q", t.ID)
		}
		tasks[t.ID] = true
		if t.Behavior != "" && !behaviors[t.Behavior] {
			return fmt.Errorf("invalid scenario: task %q references unknown behavior %q", t.ID, t.Behavior)
		}
	}

	if sc.Workflow == nil {
		return nil
	}
	for _, e := range sc.Workflow.Edges {
		if !tasks[e.From] {
			return fmt.Errorf("invalid scenario: edge source %q is not a task", e.From)
		}
		if !tasks[e.To] {
			return fmt.Errorf("invalid scenario: edge target %q is not a task", e.To)
		}
	}
	for _, sp := range sc.Workflow.SyncPoints {
		for _, m := range sp.Members {
			if !tasks[m] {
				return fmt.Errorf("invalid scenario: sync point %q member %q is not a task", sp.ID, m)
			}
		}
	}
	return nil
}
