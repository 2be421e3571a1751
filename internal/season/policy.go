package season

import (
	"encoding/json"
	"fmt"

	"github.com/genfin/furrow/internal/models"
)

// DefaultTriggers is the parametric trigger set written on new policies.
var DefaultTriggers = map[string]string{"rainfall": "<10mm"}

// PolicyID returns the policy identifier for a season bound in year. It
// embeds the whole season id, so it is unique wherever the season id is.
func PolicyID(seasonID string, year int) string {
	return fmt.Sprintf("POL-%s-%d", seasonID, year)
}

// ensurePolicy returns the season's policy, creating a PENDING one when the
// season has none.
func (t *txn) ensurePolicy() (*models.Policy, error) {
	existing, err := findPolicy(t.tx, t.season.ID)
	if err != nil || existing != nil {
		return existing, err
	}

	triggers, err := json.Marshal(DefaultTriggers)
	if err != nil {
		return nil, fmt.Errorf("season: encode triggers: %w", err)
	}
	p := models.Policy{
		SeasonID: t.season.ID,
		PolicyID: PolicyID(t.season.ID, t.now.Year()),
		Triggers: string(triggers),
		Status:   models.PolicyPending,
	}
	if err := t.tx.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("season: create policy for %s: %w", t.season.ID, err)
	}
	return &p, nil
}

func (t *txn) setPolicyActive(p *models.Policy) error {
	if err := t.tx.Model(p).Update("status", models.PolicyActive).Error; err != nil {
		return fmt.Errorf("season: activate policy %s: %w", p.PolicyID, err)
	}
	p.Status = models.PolicyActive
	return nil
}
