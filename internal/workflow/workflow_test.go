package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/marcus/statesync/internal/models"
)

func TestIsValidTransition(t *testing.T) {
	tbl := DefaultTable()

	tests := []struct {
		name     string
		from     models.State
		to       models.State
		expected bool
	}{
		// Valid transitions from pending
		{"pending → active", models.StatePending, models.StateActive, true},

		// Invalid: pending cannot skip ahead
		{"pending → archived", models.StatePending, models.StateArchived, false},
		{"pending → suspended", models.StatePending, models.StateSuspended, false},

		// Valid transitions from active
		{"active → suspended", models.StateActive, models.StateSuspended, true},
		{"active → archived", models.StateActive, models.StateArchived, true},

		// Invalid: no way back to pending
		{"active → pending", models.StateActive, models.StatePending, false},

		// Valid transitions from suspended
		{"suspended → active", models.StateSuspended, models.StateActive, true},
		{"suspended → archived", models.StateSuspended, models.StateArchived, true},

		// archived is terminal
		{"archived → active", models.StateArchived, models.StateActive, false},
		{"archived → pending", models.StateArchived, models.StatePending, false},

		// Self-loops are not declared
		{"active → active", models.StateActive, models.StateActive, false},

		// Undeclared states
		{"unknown → active", models.State("unknown"), models.StateActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tbl.IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestValidateReturnsTransitionError(t *testing.T) {
	tbl := DefaultTable()

	err := tbl.Validate("e-1", models.StatePending, models.StateArchived)
	if err == nil {
		t.Fatal("expected error for pending → archived")
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.From != models.StatePending || te.To != models.StateArchived {
		t.Errorf("error fields: from=%s to=%s", te.From, te.To)
	}
	if !strings.Contains(err.Error(), "Invalid transition") {
		t.Errorf("message %q should contain 'Invalid transition'", err.Error())
	}

	if err := tbl.Validate("e-1", models.StatePending, models.State("bogus")); err == nil {
		t.Error("expected error for undeclared target")
	}
	if err := tbl.Validate("e-1", models.StatePending, models.StateActive); err != nil {
		t.Errorf("pending → active should validate: %v", err)
	}
}

func TestValidateInitial(t *testing.T) {
	tbl := DefaultTable()

	s, err := tbl.ValidateInitial("")
	if err != nil || s != models.StatePending {
		t.Fatalf("empty initial: got %q, %v", s, err)
	}
	if _, err := tbl.ValidateInitial(models.StatePending); err != nil {
		t.Errorf("pending should be a valid start: %v", err)
	}
	if _, err := tbl.ValidateInitial(models.StateActive); err == nil {
		t.Error("active should not be a valid start state")
	}
}

func TestNewTableRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"no states", Definition{}},
		{
			"undeclared initial",
			Definition{
				States:      []models.State{"a"},
				Initial:     "b",
				Transitions: map[models.State][]models.State{"a": {}},
			},
		},
		{
			"missing entry (not total)",
			Definition{
				States:      []models.State{"a", "b"},
				Initial:     "a",
				Transitions: map[models.State][]models.State{"a": {"b"}},
			},
		},
		{
			"edge to undeclared state",
			Definition{
				States:      []models.State{"a"},
				Initial:     "a",
				Transitions: map[models.State][]models.State{"a": {"z"}},
			},
		},
		{
			"entry for undeclared state",
			Definition{
				States:      []models.State{"a"},
				Initial:     "a",
				Transitions: map[models.State][]models.State{"a": {}, "z": {"a"}},
			},
		},
		{
			"duplicate state",
			Definition{
				States:      []models.State{"a", "a"},
				Initial:     "a",
				Transitions: map[models.State][]models.State{"a": {}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.def)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidTable) {
				t.Errorf("error should wrap ErrInvalidTable: %v", err)
			}
		})
	}
}

func TestGetAllowedTransitions(t *testing.T) {
	tbl := DefaultTable()

	got := tbl.GetAllowedTransitions(models.StateActive)
	want := []models.State{models.StateArchived, models.StateSuspended}
	if len(got) != len(want) {
		t.Fatalf("allowed from active: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("allowed[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if got := tbl.GetAllowedTransitions(models.StateArchived); len(got) != 0 {
		t.Errorf("archived should be terminal, got %v", got)
	}
}

func TestGetAllTransitionsCount(t *testing.T) {
	tbl := DefaultTable()
	if n := len(tbl.GetAllTransitions()); n != 5 {
		t.Errorf("transition count: got %d, want 5", n)
	}
}

func TestParseDefinitionRoundTrip(t *testing.T) {
	def := ParseDefinition(
		[]string{"draft", "live", "gone"},
		"draft",
		map[string][]string{"draft": {"live"}, "live": {"gone"}, "gone": {}},
	)
	tbl, err := NewTable(def)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if !tbl.IsValidTransition("draft", "live") {
		t.Error("draft → live should be valid")
	}
	if tbl.IsValidTransition("draft", "gone") {
		t.Error("draft → gone should be invalid")
	}

	back := tbl.Definition()
	if back.Initial != "draft" || len(back.States) != 3 {
		t.Errorf("definition: %+v", back)
	}
}
