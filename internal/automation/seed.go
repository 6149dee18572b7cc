package automation

import (
	"fmt"

	"github.com/rs/zerolog"
)

// SeedRule describes one rule installed at startup when no rule with the same
// name exists yet. Operators can edit or deactivate seeded rules afterwards;
// seeding never overwrites.
type SeedRule struct {
	Name        string
	TriggerType TriggerType
	TriggerSpec string
	Actions     []Action
	Active      bool
}

// Seed installs the given rules, skipping any whose name already exists.
func Seed(repo *Repository, seeds []SeedRule, log zerolog.Logger) error {
	existing, err := repo.List(false)
	if err != nil {
		return fmt.Errorf("failed to list rules for seeding: %w", err)
	}

	byName := make(map[string]bool, len(existing))
	for _, rule := range existing {
		byName[rule.Name] = true
	}

	for _, seed := range seeds {
		if byName[seed.Name] {
			continue
		}

		rule := &Rule{
			Name:        seed.Name,
			TriggerType: seed.TriggerType,
			TriggerSpec: seed.TriggerSpec,
			Actions:     seed.Actions,
			Active:      seed.Active,
		}
		if err := repo.Create(rule); err != nil {
			return fmt.Errorf("failed to seed rule %q: %w", seed.Name, err)
		}
		log.Info().Str("rule", seed.Name).Msg("Seeded automation rule")
	}
	return nil
}
