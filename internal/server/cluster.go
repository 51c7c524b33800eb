package server

import (
	"context"
	"net/http"
	"strconv"
)

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	status := s.node.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader_id": status.LeaderID,
		"members":   status.Members,
	})
}

// handleRemoveMember removes a node from the cluster configuration. The
// change replicates like any other entry; the removed node shuts itself
// down once it observes a committed configuration without itself.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, badRequestf("invalid member id %q", r.PathValue("id")))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.commitTimeout)
	defer cancel()
	if err := s.node.RemoveMember(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"removed": id})
}
