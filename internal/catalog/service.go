package catalog

import (
	"context"
	"fmt"
	"strings"
)

type Service struct {
	tests TestDefinitionRepository
}

func NewService(tests TestDefinitionRepository) *Service {
	return &Service{tests: tests}
}

var validQualitativeFlags = map[string]bool{
	"normal": true, "low": true, "high": true, "critical": true,
}

func validateDefinition(t *TestDefinition) error {
	if t.Code == "" {
		return fmt.Errorf("code is required")
	}
	if strings.ToUpper(t.Code) != t.Code {
		return fmt.Errorf("code must be upper case: %s", t.Code)
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	rr := t.ReferenceRange
	if rr.Low != nil && rr.High != nil && *rr.Low > *rr.High {
		return fmt.Errorf("reference range low %g exceeds high %g", *rr.Low, *rr.High)
	}
	if rr.CriticalLow != nil && rr.Low != nil && *rr.CriticalLow > *rr.Low {
		return fmt.Errorf("critical low %g exceeds low %g", *rr.CriticalLow, *rr.Low)
	}
	if rr.CriticalHigh != nil && rr.High != nil && *rr.CriticalHigh < *rr.High {
		return fmt.Errorf("critical high %g below high %g", *rr.CriticalHigh, *rr.High)
	}
	for value, flag := range rr.Qualitative {
		if !validQualitativeFlags[flag] {
			return fmt.Errorf("qualitative value %q maps to unknown flag %q", value, flag)
		}
	}
	return nil
}

func (s *Service) CreateTestDefinition(ctx context.Context, t *TestDefinition) error {
	if err := validateDefinition(t); err != nil {
		return err
	}
	t.Active = true
	return s.tests.Create(ctx, t)
}

func (s *Service) UpdateTestDefinition(ctx context.Context, t *TestDefinition) error {
	if err := validateDefinition(t); err != nil {
		return err
	}
	return s.tests.Update(ctx, t)
}

// GetTestDefinition looks up a single test by code.
func (s *Service) GetTestDefinition(ctx context.Context, code string) (*TestDefinition, error) {
	return s.tests.GetByCode(ctx, strings.ToUpper(code))
}

// ListTestDefinitions returns catalog entries. Inactive tests are included
// only when activeOnly is false (admin view).
func (s *Service) ListTestDefinitions(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	return s.tests.List(ctx, activeOnly, limit, offset)
}
