package batcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/nocturne-xyz/bundler/entities"
)

var DefaultStagingOrder = []entities.Tier{entities.TierSlow, entities.TierMedium, entities.TierFast}

// Config holds the tier thresholds. The fast tier has none: it is flushed on every tick.
type Config struct {
	PollInterval  time.Duration
	MediumSize    int
	MediumLatency time.Duration
	SlowSize      int
	SlowLatency   time.Duration
	// StagingOrder is the order in which staged tiers are concatenated into the batch.
	StagingOrder []entities.Tier
}

func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MediumSize <= 0 {
		return fmt.Errorf("medium size must be positive, got %d", c.MediumSize)
	}
	if c.SlowSize <= 0 {
		return fmt.Errorf("slow size must be positive, got %d", c.SlowSize)
	}
	if c.MediumLatency <= 0 {
		return fmt.Errorf("medium latency must be positive, got %s", c.MediumLatency)
	}
	if c.SlowLatency <= 0 {
		return fmt.Errorf("slow latency must be positive, got %s", c.SlowLatency)
	}
	if c.SlowSize < c.MediumSize {
		return fmt.Errorf("slow size [%d] must not be smaller than medium size [%d]", c.SlowSize, c.MediumSize)
	}
	if c.SlowLatency < c.MediumLatency {
		return fmt.Errorf("slow latency [%s] must not be shorter than medium latency [%s]", c.SlowLatency, c.MediumLatency)
	}
	if len(c.StagingOrder) == 0 {
		c.StagingOrder = DefaultStagingOrder
	}
	return validateStagingOrder(c.StagingOrder)
}

// ParseStagingOrder parses a comma separated permutation of the three tiers, e.g. "slow,medium,fast".
func ParseStagingOrder(s string) ([]entities.Tier, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultStagingOrder, nil
	}

	var order []entities.Tier
	for _, part := range strings.Split(s, ",") {
		tier, err := entities.ParseTier(part)
		if err != nil {
			return nil, err
		}
		order = append(order, tier)
	}
	if err := validateStagingOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

func validateStagingOrder(order []entities.Tier) error {
	if len(order) != len(entities.Tiers) {
		return fmt.Errorf("staging order must name all %d tiers, got %v", len(entities.Tiers), order)
	}
	seen := make(map[entities.Tier]bool, len(order))
	for _, tier := range order {
		if _, err := entities.ParseTier(string(tier)); err != nil {
			return err
		}
		if seen[tier] {
			return fmt.Errorf("tier [%s] appears more than once in staging order", tier)
		}
		seen[tier] = true
	}
	return nil
}
