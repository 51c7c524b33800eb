package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rodrigogalhardo/indexify/internal/metrics"
	"github.com/rodrigogalhardo/indexify/internal/state"
	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// appliedIndexHeader tells clients how fresh the answering replica was.
const appliedIndexHeader = "X-Raft-Applied-Index"

type errorResponse struct {
	Error      string `json:"error"`
	LeaderID   uint64 `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(appliedIndexHeader, strconv.FormatUint(s.machine.LastAppliedIndex(), 10))
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Error("encode response", "error", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if nle, ok := errors.IsNotLeader(err); ok {
		s.writeJSON(w, http.StatusMisdirectedRequest, errorResponse{
			Error:      nle.Error(),
			LeaderID:   nle.LeaderID,
			LeaderAddr: nle.LeaderAddr,
		})
		return
	}
	code := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrNotFound):
		code = http.StatusNotFound
	case stderrors.Is(err, errors.ErrCommitTimeout):
		code = http.StatusGatewayTimeout
	case stderrors.Is(err, errors.ErrQuorumLost),
		stderrors.Is(err, errors.ErrNotReady),
		stderrors.Is(err, errors.ErrShutdown):
		code = http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrMembershipChangeInFlight):
		code = http.StatusConflict
	case stderrors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

var errBadRequest = stderrors.New("bad request")

func badRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{errBadRequest}, args...)...)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequestf("decode body: %v", err)
	}
	return nil
}

// propose stamps the command with a dedup token and timestamp, replicates
// it, and waits for apply. Non-leader nodes either proxy the original
// request to the leader or answer with a leader hint.
func (s *Server) propose(w http.ResponseWriter, r *http.Request, cmd *state.Command) ([]byte, bool) {
	if cmd.Token == "" {
		cmd.Token = r.Header.Get("Idempotency-Key")
	}
	if cmd.Token == "" {
		cmd.Token = uuid.NewString()
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = time.Now().Unix()
	}
	payload, err := cmd.Encode()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commitTimeout)
	defer cancel()

	start := time.Now()
	result, _, err := s.node.Propose(ctx, payload)
	metrics.RecordProposal(string(cmd.Op), time.Since(start), err)
	if err != nil {
		if nle, ok := errors.IsNotLeader(err); ok && s.forwardWrites && nle.LeaderAddr != "" {
			return s.forward(w, r, nle.LeaderAddr, cmd)
		}
		s.writeError(w, err)
		return nil, false
	}
	return result, true
}

// forward ships the already-encoded command to the leader's propose
// endpoint. The dedup token travels with it, so a retry arriving by both
// paths commits once. On success the leader's apply result is handed back
// to the calling handler, which continues as if it had committed the
// command itself; handlers that issue several commands forward each one.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, leaderAddr string, cmd *state.Command) ([]byte, bool) {
	body, err := json.Marshal(cmd)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	url := "http://" + leaderAddr + "/internal/propose"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.proxy.Do(req)
	if err != nil {
		s.writeError(w, fmt.Errorf("forward to leader %s: %w", leaderAddr, err))
		return nil, false
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		s.writeError(w, fmt.Errorf("forward to leader %s: %w", leaderAddr, err))
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		// Relay the leader's rejection verbatim.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(data)
		return nil, false
	}
	return data, true
}

// handleInternalPropose accepts a command forwarded from a follower and
// replicates it as the leader. The result of apply is returned verbatim.
func (s *Server) handleInternalPropose(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		s.writeError(w, badRequestf("read body: %v", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.commitTimeout)
	defer cancel()
	result, _, err := s.node.Propose(ctx, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(appliedIndexHeader, strconv.FormatUint(s.machine.LastAppliedIndex(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// readBarrier honors ?consistency=strict by forcing linearizable reads.
// Strict reads on a follower are refused with a leader hint; the default
// stale mode answers from the local applied state.
func (s *Server) readBarrier(r *http.Request) error {
	if r.URL.Query().Get("consistency") != "strict" {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.commitTimeout)
	defer cancel()
	return s.node.Barrier(ctx)
}
