package risk

import (
	"fmt"
	"strings"
)

// Tier is the risk level assigned to an action. Tiers are totally ordered.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (t Tier) String() string {
	if t < TierLow || t > TierCritical {
		return fmt.Sprintf("TIER(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(value string) (Tier, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	for i, name := range tierNames {
		if name == v {
			return Tier(i), nil
		}
	}
	return TierHigh, fmt.Errorf("unknown risk tier %q", value)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// AmountThresholds are the monetary amounts at which a tier is reached.
// A zero threshold disables that step.
type AmountThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// Config contains classifier settings.
type Config struct {
	// Rules pins an action type to a tier and skips the keyword table.
	Rules map[string]Tier
	// CapabilityTiers raises the tier of actions declaring the capability.
	CapabilityTiers map[string]Tier
	Amounts         AmountThresholds
	// BulkThreshold is the list length above which an action counts as bulk.
	BulkThreshold int
}

// DefaultConfig returns the built-in classifier settings.
func DefaultConfig() Config {
	return Config{
		CapabilityTiers: map[string]Tier{
			"admin":            TierCritical,
			"payments":         TierHigh,
			"shell":            TierHigh,
			"filesystem.write": TierMedium,
		},
		Amounts: AmountThresholds{
			Medium:   100,
			High:     1_000,
			Critical: 10_000,
		},
		BulkThreshold: 100,
	}
}
