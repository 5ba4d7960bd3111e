package decisions

import (
	"testing"

	"github.com/loqui-ai/loqui/pkg/types"
)

func TestLabelSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"Sarah Chen", "Sarah Chen", 1, 1},
		{"Sarah Chen", "sarah chen", 1, 1},
		{"Sarah Chen", "Sara Chen", 0.85, 1},
		{"Postgres", "PostgreSQL", 0.7, 0.85},
		{"AWS", "Stripe", 0, 0.3},
		{"", "", 1, 1},
	}
	for _, tc := range tests {
		got := labelSimilarity(tc.a, tc.b)
		if got < tc.min || got > tc.max {
			t.Errorf("labelSimilarity(%q, %q) = %.3f, want in [%.2f, %.2f]",
				tc.a, tc.b, got, tc.min, tc.max)
		}
	}
}

func TestReconcileSlugs_NearIdenticalLabelReusesSlug(t *testing.T) {
	existing := []types.DecisionItem{{
		Entities: []types.Entity{
			{Type: types.EntityPerson, Label: "Sarah Chen", ID: "sarah-chen"},
			{Type: types.EntityCompany, Label: "Acme Corp", ID: "acme-corp"},
		},
	}}

	got := reconcileSlugs(existing, []types.Entity{
		{Type: types.EntityPerson, Label: "Sara Chen", ID: "sara-chen"},
		{Type: types.EntityCompany, Label: "Globex", ID: "globex"},
	})

	if got[0].ID != "sarah-chen" {
		t.Errorf("near-identical person slug = %q, want sarah-chen", got[0].ID)
	}
	if got[1].ID != "globex" {
		t.Errorf("new company slug = %q, want globex", got[1].ID)
	}
}

func TestReconcileSlugs_TypeScoped(t *testing.T) {
	existing := []types.DecisionItem{{
		Entities: []types.Entity{
			{Type: types.EntityCompany, Label: "Mercury", ID: "mercury"},
		},
	}}

	// Same label, different entity type: no reconciliation across types.
	got := reconcileSlugs(existing, []types.Entity{
		{Type: types.EntityProduct, Label: "Mercury", ID: "mercury-app"},
	})
	if got[0].ID != "mercury-app" {
		t.Errorf("cross-type slug = %q, want mercury-app", got[0].ID)
	}
}

func TestReconcileSlugs_InputUntouched(t *testing.T) {
	existing := []types.DecisionItem{{
		Entities: []types.Entity{{Type: types.EntityPerson, Label: "Ada", ID: "ada"}},
	}}
	in := []types.Entity{{Type: types.EntityPerson, Label: "Ada", ID: "ada-2"}}

	got := reconcileSlugs(existing, in)
	if got[0].ID != "ada" {
		t.Errorf("reconciled slug = %q, want ada", got[0].ID)
	}
	if in[0].ID != "ada-2" {
		t.Errorf("input mutated: %q", in[0].ID)
	}
}
