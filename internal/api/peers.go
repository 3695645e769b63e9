package api

import (
	"net/http"
	"strings"

	"github.com/marcus/statesync/internal/replica"
)

// PeerRequest is the body for POST /v1/peers.
type PeerRequest struct {
	Address string `json:"address"`
}

// PeersResponse lists peers with their delivery state. Probe is only set
// when the request asked for ?probe=1; it maps address to "ok" or the
// ping error.
type PeersResponse struct {
	Peers []replica.PeerStats `json:"peers"`
	Probe map[string]string   `json:"probe,omitempty"`
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	resp := PeersResponse{Peers: s.engine.Stats().Peers}
	if resp.Peers == nil {
		resp.Peers = []replica.PeerStats{}
	}
	if p := r.URL.Query().Get("probe"); p == "1" || p == "true" {
		resp.Probe = make(map[string]string)
		for addr, err := range s.engine.ProbePeers(r.Context()) {
			if err != nil {
				resp.Probe[addr] = err.Error()
			} else {
				resp.Probe[addr] = "ok"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req PeerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "address is required")
		return
	}
	if !s.engine.AddPeer(addr) {
		writeJSON(w, http.StatusOK, map[string]any{"address": addr, "added": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"address": addr, "added": true})
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "address query parameter is required")
		return
	}
	if !s.engine.RemovePeer(addr) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "peer "+addr+" not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFlush pushes the queue and every parked event to all peers now.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Flush(r.Context()); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true, "queue_size": s.engine.QueueSize()})
}
