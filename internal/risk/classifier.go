package risk

import (
	"strings"

	"github.com/MEKXH/tether/internal/action"
)

// maxCapabilities is the number of declared capabilities above which an
// action is treated as a multi-system operation.
const maxCapabilities = 3

var keywordTiers = map[string]Tier{
	"query":   TierLow,
	"get":     TierLow,
	"list":    TierLow,
	"read":    TierLow,
	"fetch":   TierLow,
	"search":  TierLow,
	"view":    TierLow,
	"check":   TierLow,
	"analyze": TierLow,
	"report":  TierLow,

	"update":   TierMedium,
	"send":     TierMedium,
	"notify":   TierMedium,
	"schedule": TierMedium,
	"generate": TierMedium,
	"draft":    TierMedium,
	"tag":      TierMedium,

	"create":   TierHigh,
	"write":    TierHigh,
	"modify":   TierHigh,
	"publish":  TierHigh,
	"order":    TierHigh,
	"purchase": TierHigh,
	"refund":   TierHigh,
	"email":    TierHigh,
	"import":   TierHigh,

	"delete":   TierCritical,
	"deploy":   TierCritical,
	"drop":     TierCritical,
	"destroy":  TierCritical,
	"transfer": TierCritical,
	"payment":  TierCritical,
	"shutdown": TierCritical,
	"purge":    TierCritical,
	"grant":    TierCritical,
}

var amountKeys = []string{"amount", "total", "price", "value"}

// Classifier assigns risk tiers to actions. It is a pure function of the
// action and its configuration, so it is safe for concurrent use.
type Classifier struct {
	rules           map[string]Tier
	capabilityTiers map[string]Tier
	amounts         AmountThresholds
	bulkThreshold   int
}

// NewClassifier builds a deterministic, side-effect free classifier.
func NewClassifier(cfg Config) Classifier {
	rules := make(map[string]Tier, len(cfg.Rules))
	for actionType, tier := range cfg.Rules {
		normalized := normalize(actionType)
		if normalized == "" {
			continue
		}
		rules[normalized] = tier
	}

	capabilityTiers := make(map[string]Tier, len(cfg.CapabilityTiers))
	for capability, tier := range cfg.CapabilityTiers {
		normalized := normalize(capability)
		if normalized == "" {
			continue
		}
		capabilityTiers[normalized] = tier
	}

	return Classifier{
		rules:           rules,
		capabilityTiers: capabilityTiers,
		amounts:         cfg.Amounts,
		bulkThreshold:   cfg.BulkThreshold,
	}
}

// Classify returns the tier for a. It never fails; anything it cannot
// recognise is HIGH.
func (c Classifier) Classify(a action.Action) Tier {
	tier := c.baseTier(a.Type)

	for _, capability := range a.Capabilities {
		if capTier, ok := c.capabilityTiers[normalize(capability)]; ok {
			tier = Max(tier, capTier)
		}
	}

	tier = Max(tier, c.paramTier(a.Params))

	if c.isBulk(a) && tier < TierCritical {
		tier++
	}
	return tier
}

func (c Classifier) baseTier(actionType string) Tier {
	normalized := normalize(actionType)
	if tier, ok := c.rules[normalized]; ok {
		return tier
	}

	matched := false
	tier := TierLow
	for _, token := range tokenize(normalized) {
		if keywordTier, ok := keywordTiers[token]; ok {
			matched = true
			tier = Max(tier, keywordTier)
		}
	}
	if !matched {
		return TierHigh
	}
	return tier
}

func (c Classifier) paramTier(params map[string]any) Tier {
	tier := TierLow
	if len(params) == 0 {
		return tier
	}

	for _, key := range amountKeys {
		amount, ok := number(params[key])
		if !ok {
			continue
		}
		if amount < 0 {
			amount = -amount
		}
		switch {
		case c.amounts.Critical > 0 && amount >= c.amounts.Critical:
			tier = Max(tier, TierCritical)
		case c.amounts.High > 0 && amount >= c.amounts.High:
			tier = Max(tier, TierHigh)
		case c.amounts.Medium > 0 && amount >= c.amounts.Medium:
			tier = Max(tier, TierMedium)
		}
	}

	if flag(params["destructive"]) || flag(params["irreversible"]) {
		tier = TierCritical
	}
	if flag(params["force"]) {
		tier = Max(tier, TierHigh)
	}
	return tier
}

func (c Classifier) isBulk(a action.Action) bool {
	if len(a.Capabilities) > maxCapabilities {
		return true
	}
	if c.bulkThreshold <= 0 {
		return false
	}
	for _, key := range []string{"targets", "items"} {
		if n, ok := listLen(a.Params[key]); ok && n > c.bulkThreshold {
			return true
		}
	}
	return false
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func tokenize(actionType string) []string {
	return strings.FieldsFunc(actionType, func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || r == ':' || r == ' ' || r == '/'
	})
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func flag(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	default:
		return false
	}
}

func listLen(v any) (int, bool) {
	switch list := v.(type) {
	case []any:
		return len(list), true
	case []string:
		return len(list), true
	case []map[string]any:
		return len(list), true
	default:
		return 0, false
	}
}
