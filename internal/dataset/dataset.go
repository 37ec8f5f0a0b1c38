// Package dataset loads example sets whose first half matches the steered
// behavior and whose second half does not.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrEmpty    = errors.New("example set is empty")
	ErrOddCount = errors.New("example set cannot be split into equal halves")
)

// Example is one prompt plus continuation. Fields other than the question
// are ignored.
type Example struct {
	Question string `json:"question"`
}

// Group is an example set partitioned by behavior. Matching[i] and
// Mismatching[i] need not be related; each half keeps file order.
type Group struct {
	Matching    []string
	Mismatching []string
}

func (g Group) Len() int {
	return len(g.Matching) + len(g.Mismatching)
}

// Halves returns the two halves in file order.
func (g Group) Halves() [2][]string {
	return [2][]string{g.Matching, g.Mismatching}
}

// Load reads a JSON array of {"question": ...} objects.
func Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read examples: %w", err)
	}
	var examples []Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("failed to parse examples %s: %w", path, err)
	}
	out := make([]string, len(examples))
	for i, ex := range examples {
		if ex.Question == "" {
			return nil, fmt.Errorf("example %d in %s has no question", i, path)
		}
		out[i] = ex.Question
	}
	return out, nil
}

// Split partitions examples at the midpoint.
func Split(examples []string) (Group, error) {
	if len(examples) == 0 {
		return Group{}, ErrEmpty
	}
	if len(examples)%2 != 0 {
		return Group{}, fmt.Errorf("%w: %d examples", ErrOddCount, len(examples))
	}
	half := len(examples) / 2
	return Group{Matching: examples[:half], Mismatching: examples[half:]}, nil
}

// LoadGroup is Load followed by Split.
func LoadGroup(path string) (Group, error) {
	examples, err := Load(path)
	if err != nil {
		return Group{}, err
	}
	return Split(examples)
}
