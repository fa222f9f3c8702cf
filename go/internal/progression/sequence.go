package progression

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// sequenceDocument is the nested form of a scripted sequence. JSON
// documents decode through the same path since JSON is valid YAML.
type sequenceDocument struct {
	Actions []Action `yaml:"actions"`
	Units   []struct {
		UnitID string `yaml:"unitId"`
		Steps  []struct {
			StepID  string   `yaml:"stepId"`
			Actions []Action `yaml:"actions"`
		} `yaml:"steps"`
	} `yaml:"units"`
}

// LoadSequence reads a scripted action sequence. It accepts a flat list of
// actions, a document with an "actions" list, or a unit/step/action tree
// which is flattened in document order. In the tree form an action
// inherits its step's id and, when it names no successor, links to the
// action after it.
func LoadSequence(r io.Reader) ([]Action, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptySequence
		}
		return nil, fmt.Errorf("failed to parse sequence: %w", err)
	}

	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}

	var actions []Action
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions: %w", err)
		}
	case yaml.MappingNode:
		var doc sequenceDocument
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode sequence document: %w", err)
		}
		actions = append(actions, doc.Actions...)
		actions = append(actions, flatten(doc)...)
	default:
		return nil, fmt.Errorf("%w: unexpected document shape", ErrInvalidAction)
	}

	if len(actions) == 0 {
		return nil, ErrEmptySequence
	}
	seen := make(map[string]struct{}, len(actions))
	for i, action := range actions {
		if action.ID == "" {
			return nil, fmt.Errorf("%w: action %d has no id", ErrInvalidAction, i)
		}
		if _, dup := seen[action.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, action.ID)
		}
		seen[action.ID] = struct{}{}
	}
	return actions, nil
}

// LoadSequenceFile reads a sequence from path
func LoadSequenceFile(path string) ([]Action, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence file: %w", err)
	}
	defer f.Close()
	return LoadSequence(f)
}

func flatten(doc sequenceDocument) []Action {
	var out []Action
	for _, unit := range doc.Units {
		for _, step := range unit.Steps {
			for _, action := range step.Actions {
				if action.StepID == "" {
					action.StepID = step.StepID
				}
				out = append(out, action)
			}
		}
	}
	for i := range out {
		if out[i].NextActionID == "" && i+1 < len(out) {
			out[i].NextActionID = out[i+1].ID
		}
	}
	return out
}
