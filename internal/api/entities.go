package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/store"
)

// CreateEntityRequest is the body for POST /v1/entities.
type CreateEntityRequest struct {
	Attributes models.Attributes `json:"attributes"`
	State      models.State      `json:"state,omitempty"`
}

// UpdateEntityRequest is the body for PATCH /v1/entities/{id}. A null
// attribute value removes the key; a non-empty State also transitions.
type UpdateEntityRequest struct {
	Attributes models.Attributes `json:"attributes"`
	State      models.State      `json:"state,omitempty"`
}

// TransitionRequest is the body for POST /v1/entities/{id}/transition.
type TransitionRequest struct {
	To models.State `json:"to"`
}

// TransitionResponse mirrors replica.TransitionResult.
type TransitionResponse struct {
	Success  bool         `json:"success"`
	NewState models.State `json:"new_state"`
	Version  int64        `json:"version"`
}

// WorkflowResponse describes the node's transition table.
type WorkflowResponse struct {
	States      []models.State                  `json:"states"`
	Initial     models.State                    `json:"initial"`
	Transitions map[models.State][]models.State `json:"transitions"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req CreateEntityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ent, err := s.engine.Create(r.Context(), req.Attributes, req.State)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

// handleListEntities supports ?state=<state> and ?attr=<key>=<value>.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	q := r.URL.Query()
	f.State = models.State(q.Get("state"))
	if attr := q.Get("attr"); attr != "" {
		key, value, ok := strings.Cut(attr, "=")
		if !ok || key == "" {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "attr must be key=value")
			return
		}
		f.Attribute = &store.AttributeMatch{Key: key, Value: value}
	}
	ents := s.engine.List(f)
	if ents == nil {
		ents = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, ents)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ent, ok := s.engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "entity "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	var req UpdateEntityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Attributes) == 0 && req.State == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "nothing to update")
		return
	}
	ent, err := s.engine.ApplyChanges(r.Context(), r.PathValue("id"), req.Attributes, req.State)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "to is required")
		return
	}
	res := s.engine.Transition(r.Context(), r.PathValue("id"), req.To)
	if res.Err != nil {
		writeEngineError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Success: res.Success, NewState: res.NewState, Version: res.Version})
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.History(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.ActivityRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	def := s.engine.Table().Definition()
	writeJSON(w, http.StatusOK, WorkflowResponse{
		States:      def.States,
		Initial:     def.Initial,
		Transitions: def.Transitions,
	})
}
