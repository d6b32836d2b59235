// Package jobdef parses declarative YAML job definitions.
package jobdef

import (
	"fmt"
	"time"

	"opsconductor/internal/models"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings such as "90s" or "5m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Definition is one job definition file.
type Definition struct {
	Name          string      `yaml:"name"`
	Description   string      `yaml:"description"`
	OnFailure     string      `yaml:"on_failure"` // stop or continue, required
	Concurrency   int32       `yaml:"concurrency"`
	ActionTimeout Duration    `yaml:"action_timeout"`
	BranchTimeout Duration    `yaml:"branch_timeout"`
	Actions       []ActionDef `yaml:"actions"`
}

// ActionDef is one ordered action template.
type ActionDef struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// Parse decodes and validates a job definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse job definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the required fields.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("job definition is missing a name")
	}
	if d.OnFailure != models.OnFailureStop && d.OnFailure != models.OnFailureContinue {
		return fmt.Errorf("job %q: on_failure must be %q or %q", d.Name, models.OnFailureStop, models.OnFailureContinue)
	}
	if len(d.Actions) == 0 {
		return fmt.Errorf("job %q has no actions", d.Name)
	}
	for i, action := range d.Actions {
		if action.Name == "" {
			return fmt.Errorf("job %q: action %d is missing a name", d.Name, i+1)
		}
		if action.Command == "" {
			return fmt.Errorf("job %q: action %q is missing a command", d.Name, action.Name)
		}
	}
	return nil
}

// ToModels converts the definition into the persistence entities. The job's
// serial is left for the caller to assign.
func (d *Definition) ToModels() (*models.Job, []models.JobAction) {
	job := &models.Job{
		Name:                 d.Name,
		Description:          d.Description,
		Version:              1,
		OnFailure:            d.OnFailure,
		Concurrency:          d.Concurrency,
		ActionTimeoutSeconds: int64(time.Duration(d.ActionTimeout) / time.Second),
		BranchTimeoutSeconds: int64(time.Duration(d.BranchTimeout) / time.Second),
	}

	actions := make([]models.JobAction, len(d.Actions))
	for i, action := range d.Actions {
		actions[i] = models.JobAction{
			Position:       int32(i + 1),
			Name:           action.Name,
			Command:        action.Command,
			TimeoutSeconds: int64(time.Duration(action.Timeout) / time.Second),
		}
	}
	return job, actions
}
