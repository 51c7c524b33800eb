package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

// RemoteIndex delegates to an external vector index service over HTTP.
type RemoteIndex struct {
	base   string
	client *http.Client
}

func NewRemoteIndex(addr string) *RemoteIndex {
	return &RemoteIndex{
		base:   "http://" + addr,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type remoteCreateRequest struct {
	Name string `json:"name"`
	Dim  int    `json:"dim"`
}

type remoteAddRequest struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

type remoteSearchRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type remoteSearchResponse struct {
	Matches []Match `json:"matches"`
}

func (r *RemoteIndex) CreateIndex(ctx context.Context, name string, dim int) error {
	return r.do(ctx, http.MethodPost, "/indexes", remoteCreateRequest{Name: name, Dim: dim}, nil)
}

func (r *RemoteIndex) Add(ctx context.Context, index, id string, vec []float32) error {
	return r.do(ctx, http.MethodPost, "/indexes/"+index+"/vectors", remoteAddRequest{ID: id, Vector: vec}, nil)
}

func (r *RemoteIndex) Search(ctx context.Context, index string, vec []float32, k int) ([]Match, error) {
	var resp remoteSearchResponse
	err := r.do(ctx, http.MethodPost, "/indexes/"+index+"/search", remoteSearchRequest{Vector: vec, K: k}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (r *RemoteIndex) Delete(ctx context.Context, index, id string) error {
	return r.do(ctx, http.MethodDelete, "/indexes/"+index+"/vectors/"+id, nil, nil)
}

func (r *RemoteIndex) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RemoteIndex) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector service: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("vector service %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
