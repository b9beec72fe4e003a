package catalog

import (
	"context"
	"sort"
	"testing"

	"github.com/jackc/pgx/v5"
)

type mockTestDefinitionRepo struct {
	defs map[string]*TestDefinition
}

func newMockTestDefinitionRepo() *mockTestDefinitionRepo {
	return &mockTestDefinitionRepo{defs: make(map[string]*TestDefinition)}
}

func (m *mockTestDefinitionRepo) Create(_ context.Context, t *TestDefinition) error {
	t.VersionID = 1
	cp := *t
	m.defs[t.Code] = &cp
	return nil
}

func (m *mockTestDefinitionRepo) GetByCode(_ context.Context, code string) (*TestDefinition, error) {
	t, ok := m.defs[code]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m *mockTestDefinitionRepo) Update(_ context.Context, t *TestDefinition) error {
	existing, ok := m.defs[t.Code]
	if !ok {
		return pgx.ErrNoRows
	}
	if existing.VersionID != t.VersionID {
		return pgx.ErrNoRows
	}
	t.VersionID++
	cp := *t
	m.defs[t.Code] = &cp
	return nil
}

func (m *mockTestDefinitionRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	var items []*TestDefinition
	for _, t := range m.defs {
		if activeOnly && !t.Active {
			continue
		}
		cp := *t
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	total := len(items)
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

func TestCreateTestDefinition_Valid(t *testing.T) {
	svc := NewService(newMockTestDefinitionRepo())

	def := &TestDefinition{
		Code: "GLU",
		Name: "Glucose",
		ReferenceRange: ReferenceRange{
			Low: f(70), High: f(99),
		},
	}
	if err := svc.CreateTestDefinition(context.Background(), def); err != nil {
		t.Fatalf("CreateTestDefinition: %v", err)
	}
	if !def.Active {
		t.Error("expected new definition to be active")
	}

	got, err := svc.GetTestDefinition(context.Background(), "glu")
	if err != nil {
		t.Fatalf("GetTestDefinition: %v", err)
	}
	if got.Name != "Glucose" {
		t.Errorf("expected Glucose, got %s", got.Name)
	}
}

func TestCreateTestDefinition_Invalid(t *testing.T) {
	svc := NewService(newMockTestDefinitionRepo())

	cases := []struct {
		name string
		def  TestDefinition
	}{
		{"missing code", TestDefinition{Name: "x"}},
		{"lowercase code", TestDefinition{Code: "glu", Name: "x"}},
		{"missing name", TestDefinition{Code: "GLU"}},
		{"low above high", TestDefinition{Code: "GLU", Name: "x",
			ReferenceRange: ReferenceRange{Low: f(100), High: f(50)}}},
		{"critical low above low", TestDefinition{Code: "GLU", Name: "x",
			ReferenceRange: ReferenceRange{Low: f(70), High: f(99), CriticalLow: f(80)}}},
		{"critical high below high", TestDefinition{Code: "GLU", Name: "x",
			ReferenceRange: ReferenceRange{Low: f(70), High: f(99), CriticalHigh: f(90)}}},
		{"bad qualitative flag", TestDefinition{Code: "HCG", Name: "x",
			ReferenceRange: ReferenceRange{Qualitative: map[string]string{"positive": "weird"}}}},
	}
	for _, tc := range cases {
		def := tc.def
		if err := svc.CreateTestDefinition(context.Background(), &def); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestListTestDefinitions_ActiveOnly(t *testing.T) {
	repo := newMockTestDefinitionRepo()
	svc := NewService(repo)

	active := &TestDefinition{Code: "GLU", Name: "Glucose"}
	if err := svc.CreateTestDefinition(context.Background(), active); err != nil {
		t.Fatalf("create: %v", err)
	}
	retired := &TestDefinition{Code: "OLD", Name: "Retired assay", Active: false, VersionID: 1}
	repo.defs["OLD"] = retired

	items, total, err := svc.ListTestDefinitions(context.Background(), true, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].Code != "GLU" {
		t.Errorf("expected only active GLU, got total=%d items=%v", total, items)
	}

	_, total, err = svc.ListTestDefinitions(context.Background(), false, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 including inactive, got %d", total)
	}
}

func TestSeed_Idempotent(t *testing.T) {
	repo := newMockTestDefinitionRepo()

	n, err := Seed(context.Background(), repo)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != len(SeedDefinitions()) {
		t.Errorf("expected %d inserted, got %d", len(SeedDefinitions()), n)
	}

	n, err = Seed(context.Background(), repo)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected second seed to insert nothing, got %d", n)
	}
}

func TestSeedDefinitions_AllValid(t *testing.T) {
	for _, def := range SeedDefinitions() {
		def := def
		if err := validateDefinition(&def); err != nil {
			t.Errorf("seed definition %s invalid: %v", def.Code, err)
		}
	}
}
