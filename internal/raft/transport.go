package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Transport carries raft RPCs between peers. The replication listener is
// always separate from the client API listener so replication stays
// available when client traffic is saturated.
type Transport interface {
	AppendEntries(ctx context.Context, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(ctx context.Context, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	InstallSnapshot(ctx context.Context, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	Join(ctx context.Context, addr string, req *JoinRequest) (*JoinResponse, error)
}

// HTTPTransport sends raft RPCs as JSON over HTTP.
type HTTPTransport struct {
	client *http.Client
	scheme string
}

// NewHTTPTransport returns a transport using the given client, or
// http.DefaultClient semantics with no timeout when nil (callers pass
// per-RPC contexts).
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, scheme: "http"}
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	if err := t.post(ctx, addr, "/raft/append-entries", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) RequestVote(ctx context.Context, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var resp RequestVoteResponse
	if err := t.post(ctx, addr, "/raft/request-vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) InstallSnapshot(ctx context.Context, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	var resp InstallSnapshotResponse
	if err := t.post(ctx, addr, "/raft/install-snapshot", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Join(ctx context.Context, addr string, req *JoinRequest) (*JoinResponse, error) {
	var resp JoinResponse
	if err := t.post(ctx, addr, "/raft/join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, addr, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s%s", t.scheme, addr, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("raft rpc %s: unexpected status %d", path, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// NewRPCHandler returns the HTTP handler serving this node's raft RPC
// endpoints on the replication listener.
func NewRPCHandler(n *Node) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/raft/append-entries", func(w http.ResponseWriter, r *http.Request) {
		rpcEndpoint(w, r, func(req *AppendEntriesRequest) interface{} {
			return n.HandleAppendEntries(req)
		})
	})
	mux.HandleFunc("/raft/request-vote", func(w http.ResponseWriter, r *http.Request) {
		rpcEndpoint(w, r, func(req *RequestVoteRequest) interface{} {
			return n.HandleRequestVote(req)
		})
	})
	mux.HandleFunc("/raft/install-snapshot", func(w http.ResponseWriter, r *http.Request) {
		rpcEndpoint(w, r, func(req *InstallSnapshotRequest) interface{} {
			return n.HandleInstallSnapshot(req)
		})
	})
	mux.HandleFunc("/raft/join", func(w http.ResponseWriter, r *http.Request) {
		rpcEndpoint(w, r, func(req *JoinRequest) interface{} {
			return n.HandleJoin(req)
		})
	})
	return mux
}

func rpcEndpoint[Req any](w http.ResponseWriter, r *http.Request, handle func(*Req) interface{}) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Req
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := handle(&req)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
