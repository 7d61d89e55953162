package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/smallnest/chatgraph/store"
)

const defaultCheckpointLimit = 20

// checkpointSummary is one entry of the checkpoint listing.
type checkpointSummary struct {
	CheckpointID       string         `json:"checkpoint_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	Namespace          string         `json:"checkpoint_ns"`
	TS                 time.Time      `json:"ts"`
	Next               []string       `json:"next"`
	Metadata           store.Metadata `json:"metadata"`
	PendingWrites      int            `json:"pending_writes"`
}

// handleListCheckpoints lists a thread's checkpoints newest first.
// Query parameters: limit (default 20), before (checkpoint id), ns.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	q := r.URL.Query()

	limit := defaultCheckpointLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	cfg := store.Config{ThreadID: threadID, Namespace: q.Get("ns")}
	opts := store.ListOptions{Limit: limit}
	if before := q.Get("before"); before != "" {
		b := cfg.WithCheckpointID(before)
		opts.Before = &b
	}

	out := []checkpointSummary{}
	for t, err := range s.saver.List(r.Context(), &cfg, opts) {
		if err != nil {
			s.logger.Error("list checkpoints of %s: %v", threadID, err)
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		sum := checkpointSummary{
			CheckpointID:  t.Checkpoint.ID,
			Namespace:     t.Config.Namespace,
			TS:            t.Checkpoint.TS,
			Next:          t.Checkpoint.Next,
			Metadata:      t.Metadata,
			PendingWrites: len(t.PendingWrites),
		}
		if t.ParentConfig != nil {
			sum.ParentCheckpointID = t.ParentConfig.CheckpointID
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteThread removes every checkpoint of a thread.
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if err := s.saver.DeleteThread(r.Context(), threadID); err != nil {
		s.logger.Error("delete thread %s: %v", threadID, err)
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
