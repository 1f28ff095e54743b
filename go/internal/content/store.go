// Package content serves the read-only scenario catalogue.
package content

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/models"
)

// DefaultPath is where the bundled scenario pack lives, relative to the
// repository root.
const DefaultPath = "go/internal/assets/scenarios.yaml"

var ErrScenarioNotFound = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "scenario not found")

// Store is the content collaborator the game depends on.
type Store interface {
	ListScenarios(ctx context.Context) ([]models.Scenario, error)
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
}

type scenarioFile struct {
	Scenarios []models.Scenario `yaml:"scenarios"`
}

// YAMLStore holds a scenario pack loaded once from disk.
type YAMLStore struct {
	ordered []models.Scenario
	byID    map[string]models.Scenario
}

// LoadFile reads and validates a scenario pack.
func LoadFile(path string) ([]models.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario pack and sorts it by position.
func Parse(data []byte) ([]models.Scenario, error) {
	var file scenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}

	seen := make(map[string]bool, len(file.Scenarios))
	for i, s := range file.Scenarios {
		if s.ID == "" || s.Title == "" {
			return nil, fmt.Errorf("scenario %d: id and title are required", i)
		}
		if s.PullOption == "" || s.DontPullOption == "" {
			return nil, fmt.Errorf("scenario %s: both options are required", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("scenario %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}

	sort.SliceStable(file.Scenarios, func(i, j int) bool {
		return file.Scenarios[i].Position < file.Scenarios[j].Position
	})
	return file.Scenarios, nil
}

func NewYAMLStore(scenarios []models.Scenario) *YAMLStore {
	s := &YAMLStore{
		ordered: scenarios,
		byID:    make(map[string]models.Scenario, len(scenarios)),
	}
	for _, sc := range scenarios {
		s.byID[sc.ID] = sc
	}
	return s
}

// NewYAMLStoreFromFile loads path into a YAMLStore.
func NewYAMLStoreFromFile(path string) (*YAMLStore, error) {
	scenarios, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewYAMLStore(scenarios), nil
}

func (s *YAMLStore) ListScenarios(context.Context) ([]models.Scenario, error) {
	out := make([]models.Scenario, len(s.ordered))
	copy(out, s.ordered)
	return out, nil
}

func (s *YAMLStore) GetScenario(_ context.Context, id string) (*models.Scenario, error) {
	sc, ok := s.byID[id]
	if !ok {
		return nil, ErrScenarioNotFound
	}
	return &sc, nil
}
