package catalog

import (
	"context"
)

type TestDefinitionRepository interface {
	Create(ctx context.Context, t *TestDefinition) error
	GetByCode(ctx context.Context, code string) (*TestDefinition, error)
	Update(ctx context.Context, t *TestDefinition) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error)
}
