package lab

import (
	"strconv"
	"strings"

	"github.com/clinicore/clinicore/internal/catalog"
)

// DefaultCriticalMultiplier is the fallback critical band when the catalog
// does not define explicit critical bounds. A numeric result further out
// of range than the multiplier allows is flagged critical.
const DefaultCriticalMultiplier = 1.5

// Classifier maps a raw result and a reference range to an abnormal flag.
// It is deterministic and side-effect-free so stored entries can be
// reclassified at any time from their snapshots.
type Classifier struct {
	CriticalMultiplier float64
}

func NewClassifier(criticalMultiplier float64) Classifier {
	if criticalMultiplier <= 1 {
		criticalMultiplier = DefaultCriticalMultiplier
	}
	return Classifier{CriticalMultiplier: criticalMultiplier}
}

// Classify returns the abnormal flag for a result against a reference
// range, plus whether the result could not be classified. Unclassified
// results are flagged normal and marked for human review, never dropped.
func (c Classifier) Classify(result string, rng catalog.ReferenceRange) (AbnormalFlag, bool) {
	if rng.IsQualitative() {
		return c.classifyQualitative(result, rng)
	}
	if rng.IsNumeric() {
		v, err := strconv.ParseFloat(strings.TrimSpace(result), 64)
		if err != nil {
			return FlagNormal, true
		}
		return c.classifyNumeric(v, rng), false
	}
	return FlagNormal, true
}

// ParseNumeric extracts the numeric value of a result when the range is
// numeric, for denormalized storage alongside the raw string.
func ParseNumeric(result string, rng catalog.ReferenceRange) *float64 {
	if !rng.IsNumeric() {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(result), 64)
	if err != nil {
		return nil
	}
	return &v
}

func (c Classifier) classifyNumeric(v float64, rng catalog.ReferenceRange) AbnormalFlag {
	mult := c.CriticalMultiplier
	if mult <= 1 {
		mult = DefaultCriticalMultiplier
	}
	if rng.Low != nil && v < *rng.Low {
		if rng.CriticalLow != nil {
			if v <= *rng.CriticalLow {
				return FlagCritical
			}
		} else if v < *rng.Low/mult {
			return FlagCritical
		}
		return FlagLow
	}
	if rng.High != nil && v > *rng.High {
		if rng.CriticalHigh != nil {
			if v >= *rng.CriticalHigh {
				return FlagCritical
			}
		} else if v > *rng.High*mult {
			return FlagCritical
		}
		return FlagHigh
	}
	return FlagNormal
}

func (c Classifier) classifyQualitative(result string, rng catalog.ReferenceRange) (AbnormalFlag, bool) {
	key := strings.ToLower(strings.TrimSpace(result))
	raw, ok := rng.Qualitative[key]
	if !ok {
		return FlagNormal, true
	}
	flag := AbnormalFlag(raw)
	if !flag.IsValid() {
		return FlagNormal, true
	}
	return flag, false
}
