package workflow

import (
	"fmt"
	"slices"

	"github.com/marcus/statesync/internal/models"
)

// Transition defines a permitted state change
type Transition struct {
	From models.State `json:"from"`
	To   models.State `json:"to"`
}

// Definition describes a transition table before validation.
// Every declared state needs an entry in Transitions, even if empty.
type Definition struct {
	States      []models.State
	Initial     models.State
	Transitions map[models.State][]models.State
}

// Table is a validated, immutable transition table
type Table struct {
	states      []models.State
	initial     models.State
	transitions map[models.State]map[models.State]*Transition
}

// NewTable validates def and builds a Table. The table must be total over
// the declared states and may not reference undeclared states.
func NewTable(def Definition) (*Table, error) {
	if len(def.States) == 0 {
		return nil, fmt.Errorf("%w: no states declared", ErrInvalidTable)
	}

	t := &Table{
		initial:     def.Initial,
		transitions: make(map[models.State]map[models.State]*Transition, len(def.States)),
	}
	for _, s := range def.States {
		if s == "" {
			return nil, fmt.Errorf("%w: empty state name", ErrInvalidTable)
		}
		if _, dup := t.transitions[s]; dup {
			return nil, fmt.Errorf("%w: state %q declared twice", ErrInvalidTable, s)
		}
		t.transitions[s] = make(map[models.State]*Transition)
		t.states = append(t.states, s)
	}

	if !t.IsDeclared(def.Initial) {
		return nil, fmt.Errorf("%w: initial state %q is not declared", ErrInvalidTable, def.Initial)
	}

	for from := range def.Transitions {
		if !t.IsDeclared(from) {
			return nil, fmt.Errorf("%w: transitions from undeclared state %q", ErrInvalidTable, from)
		}
	}

	for _, from := range t.states {
		targets, ok := def.Transitions[from]
		if !ok {
			return nil, fmt.Errorf("%w: state %q has no transition entry", ErrInvalidTable, from)
		}
		for _, to := range targets {
			if !t.IsDeclared(to) {
				return nil, fmt.Errorf("%w: transition %s -> %s targets an undeclared state", ErrInvalidTable, from, to)
			}
			t.addTransition(&Transition{From: from, To: to})
		}
	}

	return t, nil
}

// DefaultTable returns the built-in pending/active/suspended/archived table
func DefaultTable() *Table {
	t, err := NewTable(DefaultDefinition())
	if err != nil {
		panic(err)
	}
	return t
}

// addTransition registers a transition in the table
func (t *Table) addTransition(tr *Transition) {
	t.transitions[tr.From][tr.To] = tr
}

// States returns the declared states in declaration order
func (t *Table) States() []models.State {
	return slices.Clone(t.states)
}

// Initial returns the designated start state
func (t *Table) Initial() models.State {
	return t.initial
}

// IsDeclared reports whether s is one of the table's states
func (t *Table) IsDeclared(s models.State) bool {
	_, ok := t.transitions[s]
	return ok
}

// IsValidTransition checks if a transition exists in the table
func (t *Table) IsValidTransition(from, to models.State) bool {
	if toMap, ok := t.transitions[from]; ok {
		_, exists := toMap[to]
		return exists
	}
	return false
}

// Validate checks the requested change for entityID and returns a
// *TransitionError when the table does not permit it.
func (t *Table) Validate(entityID string, from, to models.State) error {
	if !t.IsDeclared(to) {
		return &TransitionError{EntityID: entityID, From: from, To: to, Reason: "target state is not declared"}
	}
	if !t.IsValidTransition(from, to) {
		return &TransitionError{EntityID: entityID, From: from, To: to, Reason: "transition not allowed"}
	}
	return nil
}

// ValidateInitial checks that s may be used to create an entity.
// An empty state resolves to the table's initial state.
func (t *Table) ValidateInitial(s models.State) (models.State, error) {
	if s == "" {
		return t.initial, nil
	}
	if s != t.initial {
		return "", &TransitionError{To: s, Reason: fmt.Sprintf("entities must start in %q", t.initial)}
	}
	return s, nil
}

// GetAllowedTransitions returns all valid target states from a given state, sorted
func (t *Table) GetAllowedTransitions(from models.State) []models.State {
	var allowed []models.State
	if toMap, ok := t.transitions[from]; ok {
		for to := range toMap {
			allowed = append(allowed, to)
		}
	}
	slices.Sort(allowed)
	return allowed
}

// GetAllTransitions returns all registered transitions ordered by declaration
func (t *Table) GetAllTransitions() []Transition {
	var all []Transition
	for _, from := range t.states {
		for _, to := range t.GetAllowedTransitions(from) {
			all = append(all, *t.transitions[from][to])
		}
	}
	return all
}

// Definition returns the table in its declarative form
func (t *Table) Definition() Definition {
	def := Definition{
		States:      t.States(),
		Initial:     t.initial,
		Transitions: make(map[models.State][]models.State, len(t.states)),
	}
	for _, s := range t.states {
		def.Transitions[s] = append([]models.State{}, t.GetAllowedTransitions(s)...)
	}
	return def
}
