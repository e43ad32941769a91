// Package pipeline runs external processing steps over patient entities in
// the background and imports what they produce.
package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/radcase/radcase/internal/models"
)

// Step is one external command of a pipeline.
type Step struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	// Produces tags every file the step writes. Empty means the patient
	// classifies them on import.
	Produces models.Category `yaml:"produces,omitempty"`
}

// Descriptor is a named sequence of steps applied to a set of entities.
type Descriptor struct {
	Name   string   `yaml:"name"`
	Steps  []Step   `yaml:"steps"`
	Inputs []string `yaml:"inputs,omitempty"`
}

// Validate checks that the descriptor can be run.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return models.Validationf("pipeline name is required")
	}
	if len(d.Steps) == 0 {
		return models.Validationf("pipeline %s has no steps", d.Name)
	}
	for i, s := range d.Steps {
		if s.Command == "" {
			return models.Validationf("pipeline %s step %d has no command", d.Name, i)
		}
		if s.Produces != "" && !s.Produces.IsValid() {
			return fmt.Errorf("pipeline %s step %d: %w: %q", d.Name, i, models.ErrUnknownTag, s.Produces)
		}
	}
	return nil
}

// LoadDescriptor reads and validates a YAML descriptor.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, models.Storagef(err, "reading pipeline %s", path)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, models.Validationf("parsing pipeline %s: %v", path, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
