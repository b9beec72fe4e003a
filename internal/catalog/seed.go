package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

// SeedDefinitions is the starter catalog loaded by the seed-catalog command.
// Ranges follow common adult reference intervals; clinics adjust them through
// the admin catalog endpoints.
func SeedDefinitions() []TestDefinition {
	return []TestDefinition{
		{
			Code: "GLU", Name: "Glucose, fasting", Category: s("chemistry"), Unit: s("mg/dL"),
			ReferenceRange: ReferenceRange{
				Low: f(70), High: f(99), Text: s("70-99 mg/dL"),
				CriticalLow: f(40), CriticalHigh: f(400),
			},
		},
		{
			Code: "K", Name: "Potassium", Category: s("chemistry"), Unit: s("mmol/L"),
			ReferenceRange: ReferenceRange{
				Low: f(3.5), High: f(5.1), Text: s("3.5-5.1 mmol/L"),
				CriticalLow: f(2.5), CriticalHigh: f(6.5),
			},
		},
		{
			Code: "NA", Name: "Sodium", Category: s("chemistry"), Unit: s("mmol/L"),
			ReferenceRange: ReferenceRange{
				Low: f(136), High: f(145), Text: s("136-145 mmol/L"),
				CriticalLow: f(120), CriticalHigh: f(160),
			},
		},
		{
			Code: "CRE", Name: "Creatinine", Category: s("chemistry"), Unit: s("mg/dL"),
			ReferenceRange: ReferenceRange{
				Low: f(0.6), High: f(1.3), Text: s("0.6-1.3 mg/dL"),
			},
		},
		{
			Code: "HGB", Name: "Hemoglobin", Category: s("hematology"), Unit: s("g/dL"),
			ReferenceRange: ReferenceRange{
				Low: f(12.0), High: f(17.5), Text: s("12.0-17.5 g/dL"),
				CriticalLow: f(7.0), CriticalHigh: f(20.0),
			},
		},
		{
			Code: "WBC", Name: "White blood cell count", Category: s("hematology"), Unit: s("10^3/uL"),
			ReferenceRange: ReferenceRange{
				Low: f(4.5), High: f(11.0), Text: s("4.5-11.0 x10^3/uL"),
				CriticalLow: f(1.0), CriticalHigh: f(50.0),
			},
		},
		{
			Code: "PLT", Name: "Platelet count", Category: s("hematology"), Unit: s("10^3/uL"),
			ReferenceRange: ReferenceRange{
				Low: f(150), High: f(400), Text: s("150-400 x10^3/uL"),
				CriticalLow: f(20), CriticalHigh: f(1000),
			},
		},
		{
			Code: "TSH", Name: "Thyroid stimulating hormone", Category: s("endocrinology"), Unit: s("mIU/L"),
			ReferenceRange: ReferenceRange{
				Low: f(0.4), High: f(4.0), Text: s("0.4-4.0 mIU/L"),
			},
		},
		{
			Code: "HCG", Name: "Pregnancy test, qualitative", Category: s("serology"),
			ReferenceRange: ReferenceRange{
				Text: s("negative"),
				Qualitative: map[string]string{
					"negative": "normal",
					"positive": "high",
				},
			},
		},
		{
			Code: "UCULT", Name: "Urine culture", Category: s("microbiology"),
			ReferenceRange: ReferenceRange{
				Text: s("no growth"),
				Qualitative: map[string]string{
					"no growth":    "normal",
					"mixed flora":  "normal",
					"growth":       "high",
					"heavy growth": "critical",
				},
			},
		},
	}
}

// Seed inserts the starter definitions, skipping codes that already exist.
// Returns the number inserted.
func Seed(ctx context.Context, repo TestDefinitionRepository) (int, error) {
	count := 0
	for _, def := range SeedDefinitions() {
		def := def
		_, err := repo.GetByCode(ctx, def.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return count, fmt.Errorf("check existing %s: %w", def.Code, err)
		}
		def.Active = true
		if err := repo.Create(ctx, &def); err != nil {
			return count, fmt.Errorf("seed %s: %w", def.Code, err)
		}
		count++
	}
	return count, nil
}
