package workflow

import "github.com/marcus/statesync/internal/models"

// DefaultDefinition returns the built-in lifecycle:
//
//	pending -> active
//	active -> suspended | archived
//	suspended -> active | archived
//	archived is terminal
func DefaultDefinition() Definition {
	return Definition{
		States: []models.State{
			models.StatePending,
			models.StateActive,
			models.StateSuspended,
			models.StateArchived,
		},
		Initial: models.StatePending,
		Transitions: map[models.State][]models.State{
			models.StatePending:   {models.StateActive},
			models.StateActive:    {models.StateSuspended, models.StateArchived},
			models.StateSuspended: {models.StateActive, models.StateArchived},
			models.StateArchived:  {},
		},
	}
}

// ParseDefinition converts string-keyed configuration into a Definition.
func ParseDefinition(states []string, initial string, transitions map[string][]string) Definition {
	def := Definition{
		Initial:     models.State(initial),
		Transitions: make(map[models.State][]models.State, len(transitions)),
	}
	for _, s := range states {
		def.States = append(def.States, models.State(s))
	}
	for from, targets := range transitions {
		out := make([]models.State, 0, len(targets))
		for _, to := range targets {
			out = append(out, models.State(to))
		}
		def.Transitions[models.State(from)] = out
	}
	return def
}
