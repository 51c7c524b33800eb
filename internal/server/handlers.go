package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/rodrigogalhardo/indexify/internal/metrics"
	"github.com/rodrigogalhardo/indexify/internal/state"
	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

const maxContentSize = 512 << 20

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var ns state.Namespace
	if err := decodeBody(r, &ns); err != nil {
		s.writeError(w, err)
		return
	}
	if ns.Name == "" {
		s.writeError(w, badRequestf("namespace name is required"))
		return
	}
	result, ok := s.propose(w, r, &state.Command{Op: state.OpCreateNamespace, Namespace: &ns})
	if !ok {
		return
	}
	s.writeRaw(w, http.StatusCreated, result)
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespaces": s.machine.ListNamespaces(),
	})
}

func (s *Server) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	ns, ok := s.machine.GetNamespace(r.PathValue("ns"))
	if !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, ns)
}

// handlePutContent stores the payload in blob storage first, then commits
// the metadata record and one indexing task per target index through the
// log. A crash between the two leaves an unreferenced blob, never a
// metadata record pointing at nothing.
func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("ns")
	if _, ok := s.machine.GetNamespace(namespace); !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxContentSize))
	if err != nil {
		s.writeError(w, badRequestf("read payload: %v", err))
		return
	}
	if len(payload) == 0 {
		s.writeError(w, badRequestf("empty payload"))
		return
	}

	id := uuid.NewString()
	sum := sha256.Sum256(payload)
	key := fmt.Sprintf("%s/%s", namespace, id)

	url, size, err := s.blobs.Put(r.Context(), key, bytes.NewReader(payload))
	if err != nil {
		s.writeError(w, fmt.Errorf("store blob: %w", err))
		return
	}

	content := state.ContentMetadata{
		ID:         id,
		Namespace:  namespace,
		FileName:   r.Header.Get("X-File-Name"),
		StorageURL: url,
		Mime:       r.Header.Get("Content-Type"),
		Size:       size,
		Hash:       hex.EncodeToString(sum[:]),
		Status:     state.ContentPending,
	}
	if labels := r.Header.Get("X-Labels"); labels != "" {
		if err := json.Unmarshal([]byte(labels), &content.Labels); err != nil {
			s.writeError(w, badRequestf("decode X-Labels: %v", err))
			return
		}
	}

	if _, ok := s.propose(w, r, &state.Command{Op: state.OpPutContent, Content: &content}); !ok {
		return
	}

	// One task per index in the namespace. Task creation failures do not
	// roll back the content record; the content stays pending and an
	// operator can re-trigger indexing.
	var taskIDs []string
	for _, idx := range s.machine.ListIndexes(namespace) {
		task := state.Task{
			ID:        uuid.NewString(),
			Namespace: namespace,
			ContentID: id,
			IndexName: idx.Name,
		}
		if _, ok := s.propose(w, r, &state.Command{
			Op:    state.OpCreateTask,
			Token: uuid.NewString(),
			Task:  &task,
		}); !ok {
			return
		}
		taskIDs = append(taskIDs, task.ID)
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"url":      url,
		"size":     size,
		"hash":     content.Hash,
		"task_ids": taskIDs,
	})
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	namespace := r.PathValue("ns")
	if _, ok := s.machine.GetNamespace(namespace); !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"content": s.machine.ListContent(namespace),
	})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")

	// Content records are immutable apart from status, so cached reads
	// only ever lag on the status field.
	cacheKey := "content/" + id
	if cached, err := s.cache.Get(r.Context(), cacheKey); err == nil {
		metrics.RecordCacheHit()
		var content state.ContentMetadata
		if json.Unmarshal(cached, &content) == nil {
			if live, ok := s.machine.GetContent(id); ok {
				content.Status = live.Status
			}
			s.writeJSON(w, http.StatusOK, content)
			return
		}
	}
	metrics.RecordCacheMiss()

	content, ok := s.machine.GetContent(id)
	if !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	if encoded, err := json.Marshal(content); err == nil {
		s.cache.Set(r.Context(), cacheKey, encoded)
	}
	s.writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleDownloadContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	content, ok := s.machine.GetContent(id)
	if !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	key := fmt.Sprintf("%s/%s", content.Namespace, content.ID)
	blob, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer blob.Close()
	if content.Mime != "" {
		w.Header().Set("Content-Type", content.Mime)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", content.Size))
	io.Copy(w, blob)
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var idx state.IndexConfig
	if err := decodeBody(r, &idx); err != nil {
		s.writeError(w, err)
		return
	}
	idx.Namespace = r.PathValue("ns")
	if idx.Name == "" || idx.Dim <= 0 {
		s.writeError(w, badRequestf("index name and a positive dim are required"))
		return
	}
	if idx.Distance == "" {
		idx.Distance = "cosine"
	}

	if err := s.vectors.CreateIndex(r.Context(), indexRef(idx.Namespace, idx.Name), idx.Dim); err != nil {
		s.writeError(w, fmt.Errorf("create vector index: %w", err))
		return
	}
	result, ok := s.propose(w, r, &state.Command{Op: state.OpCreateIndex, Index: &idx})
	if !ok {
		return
	}
	s.writeRaw(w, http.StatusCreated, result)
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	if err := s.readBarrier(r); err != nil {
		s.writeError(w, err)
		return
	}
	namespace := r.PathValue("ns")
	if _, ok := s.machine.GetNamespace(namespace); !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"indexes": s.machine.ListIndexes(namespace),
	})
}

type addVectorRequest struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleAddVector(w http.ResponseWriter, r *http.Request) {
	namespace, name := r.PathValue("ns"), r.PathValue("name")
	idx, ok := s.machine.GetIndex(namespace, name)
	if !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	var req addVectorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == "" || len(req.Vector) == 0 {
		s.writeError(w, badRequestf("id and vector are required"))
		return
	}
	if len(req.Vector) != idx.Dim {
		s.writeError(w, badRequestf("vector dimension %d, index wants %d", len(req.Vector), idx.Dim))
		return
	}
	ref := indexRef(namespace, name)
	err := s.vectors.Add(r.Context(), ref, req.ID, req.Vector)
	if stderrors.Is(err, errors.ErrNotFound) {
		if err = s.ensureIndex(r.Context(), idx); err == nil {
			err = s.vectors.Add(r.Context(), ref, req.ID, req.Vector)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Metadata) > 0 {
		encoded, err := json.Marshal(req.Metadata)
		if err == nil {
			err = s.metadata.Put(r.Context(), ref+"/"+req.ID, encoded)
		}
		if err != nil {
			s.writeError(w, fmt.Errorf("store vector metadata: %w", err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": req.ID})
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type searchResult struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSearchIndex(w http.ResponseWriter, r *http.Request) {
	namespace, name := r.PathValue("ns"), r.PathValue("name")
	idx, ok := s.machine.GetIndex(namespace, name)
	if !ok {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Vector) == 0 {
		s.writeError(w, badRequestf("vector is required"))
		return
	}
	ref := indexRef(namespace, name)
	matches, err := s.vectors.Search(r.Context(), ref, req.Vector, req.K)
	if stderrors.Is(err, errors.ErrNotFound) {
		if err = s.ensureIndex(r.Context(), idx); err == nil {
			matches, err = s.vectors.Search(r.Context(), ref, req.Vector, req.K)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	results := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		result := searchResult{ID: m.ID, Score: m.Score}
		if encoded, err := s.metadata.Get(r.Context(), ref+"/"+m.ID); err == nil {
			json.Unmarshal(encoded, &result.Metadata)
		}
		results = append(results, result)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// indexRef is the backend-facing index name, unique across namespaces.
func indexRef(namespace, name string) string {
	return namespace + "/" + name
}

// ensureIndex materializes a replicated index config on the local vector
// backend. Replicas learn about an index through the log, not through the
// node that served the create request, so the backend index is built on
// first use here.
func (s *Server) ensureIndex(ctx context.Context, idx state.IndexConfig) error {
	return s.vectors.CreateIndex(ctx, indexRef(idx.Namespace, idx.Name), idx.Dim)
}

func (s *Server) writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
