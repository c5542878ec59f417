package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseScenario parses a scenario from YAML bytes. Unknown fields are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}

	if sc.ID == "" {
		return nil, &LoadError{Message: "scenario ID is required"}
	}
	if len(sc.Steps) == 0 {
		return nil, &LoadError{Message: fmt.Sprintf("scenario %s must have at least one step", sc.ID)}
	}
	if sc.Timeout != "" {
		if _, err := time.ParseDuration(sc.Timeout); err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("scenario %s: invalid timeout", sc.ID), Cause: err}
		}
	}
	for i, step := range sc.Steps {
		if step.Action == "" {
			return nil, &LoadError{Message: fmt.Sprintf("scenario %s: step %d has no action", sc.ID, i+1)}
		}
		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				return nil, &LoadError{Message: fmt.Sprintf("scenario %s: step %d: invalid timeout", sc.ID, i+1), Cause: err}
			}
		}
	}

	return &sc, nil
}

// LoadScenario loads a scenario from a file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}

	sc, err := ParseScenario(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	return sc, nil
}

// LoadDirectory loads every .yaml or .yml file under dir, sorted by ID.
// Duplicate IDs are an error.
func LoadDirectory(dir string) ([]*Scenario, error) {
	var scenarios []*Scenario
	seen := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		sc, err := LoadScenario(path)
		if err != nil {
			return err
		}
		if prev, dup := seen[sc.ID]; dup {
			return &LoadError{File: path, Message: fmt.Sprintf("duplicate scenario ID %s (also in %s)", sc.ID, prev)}
		}
		seen[sc.ID] = path
		scenarios = append(scenarios, sc)
		return nil
	})
	if err != nil {
		if _, ok := err.(*LoadError); ok {
			return nil, err
		}
		return nil, &LoadError{File: dir, Message: "failed to read directory", Cause: err}
	}

	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].ID < scenarios[j].ID })
	return scenarios, nil
}

// FilterByTags returns the scenarios carrying at least one of tags. An
// empty tag list keeps everything.
func FilterByTags(scenarios []*Scenario, tags []string) []*Scenario {
	if len(tags) == 0 {
		return scenarios
	}
	var out []*Scenario
	for _, sc := range scenarios {
		for _, tag := range tags {
			if slices.Contains(sc.Tags, tag) {
				out = append(out, sc)
				break
			}
		}
	}
	return out
}
