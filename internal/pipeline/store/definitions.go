package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/pipeline/models"
)

// Validate checks a pipeline definition for structural errors: every
// transition must reference defined statuses, triggers must be known, and
// agent outcomes may only appear on agent-triggered transitions. Guard and
// hook names are not checked here; the engine resolves those at execution
// time against its registries.
func Validate(p *models.Pipeline) error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.TaskType == "" {
		return fmt.Errorf("pipeline %s: task type is required", p.Name)
	}
	if len(p.Statuses) == 0 {
		return fmt.Errorf("pipeline %s: at least one status is required", p.Name)
	}
	seen := make(map[string]bool, len(p.Statuses))
	for _, s := range p.Statuses {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s: status name is required", p.Name)
		}
		if s.Name == models.StatusAny {
			return fmt.Errorf("pipeline %s: %q is reserved and cannot be a status name", p.Name, models.StatusAny)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate status %q", p.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for i, t := range p.Transitions {
		if t.From != models.StatusAny && !seen[t.From] {
			return fmt.Errorf("pipeline %s: transition %d references unknown status %q", p.Name, i, t.From)
		}
		if !seen[t.To] {
			return fmt.Errorf("pipeline %s: transition %d references unknown status %q", p.Name, i, t.To)
		}
		switch t.Trigger {
		case models.TriggerManual, models.TriggerAgent, models.TriggerSystem:
		default:
			return fmt.Errorf("pipeline %s: transition %d has unknown trigger %q", p.Name, i, t.Trigger)
		}
		if t.AgentOutcome != "" && t.Trigger != models.TriggerAgent {
			return fmt.Errorf("pipeline %s: transition %d sets an agent outcome on a %s trigger", p.Name, i, t.Trigger)
		}
		for _, h := range t.Hooks {
			switch h.EffectivePolicy() {
			case models.PolicyRequired, models.PolicyBestEffort, models.PolicyFireAndForget:
			default:
				return fmt.Errorf("pipeline %s: transition %d hook %s has unknown policy %q", p.Name, i, h.Name, h.Policy)
			}
		}
	}
	return nil
}

// LoadDefinitions reads pipeline definitions from every *.yaml / *.yml file
// in dir. Each file holds exactly one pipeline. A missing directory is not
// an error; a file that fails to parse or validate is.
func LoadDefinitions(dir string) ([]*models.Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline directory: %w", err)
	}

	var pipelines []*models.Pipeline
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read pipeline %s: %w", name, err)
		}
		p := &models.Pipeline{}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline %s: %w", name, err)
		}
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("invalid pipeline %s: %w", name, err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// Seed inserts any of the given pipelines whose task type is not in the
// store yet. Existing rows win so operator edits survive restarts. Returns
// the number of pipelines inserted.
func Seed(ctx context.Context, s *Store, pipelines []*models.Pipeline, log *logger.Logger) (int, error) {
	inserted := 0
	for _, p := range pipelines {
		if _, err := s.GetByTaskType(ctx, p.TaskType); err == nil {
			continue
		}
		if err := s.Create(ctx, p); err != nil {
			return inserted, fmt.Errorf("failed to seed pipeline %s: %w", p.Name, err)
		}
		log.Info("Seeded pipeline", zap.String("name", p.Name), zap.String("task_type", p.TaskType))
		inserted++
	}
	return inserted, nil
}
