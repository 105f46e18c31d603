// Package admin exposes the read-only introspection HTTP surface added in
// SPEC_FULL §4.6: a liveness probe and a checkpoint-table dump. Neither
// route can mutate Supervisor state; both exist purely for operators.
package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mycelian/shard-watch/internal/admin/recovery"
	"github.com/mycelian/shard-watch/internal/admin/respond"
	"github.com/mycelian/shard-watch/internal/checkpoint"
)

// Inspectable is the narrow read-only view the admin server needs of a
// running Supervisor.
type Inspectable interface {
	Snapshot() []checkpoint.Entry
}

// NewRouter builds the admin mux.Router: GET /healthz, GET /checkpoints.
func NewRouter(sup Inspectable) *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery.Middleware)

	router.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	router.HandleFunc("/checkpoints", checkpoints(sup)).Methods(http.MethodGet)

	return router
}

func healthz(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "UP",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type checkpointView struct {
	Shard         string `json:"shard"`
	EndSeq        string `json:"end_seq"`
	RescanPending bool   `json:"rescan_pending"`
	Worker        string `json:"worker,omitempty"`
}

func checkpoints(sup Inspectable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := sup.Snapshot()
		out := make([]checkpointView, 0, len(entries))
		for _, e := range entries {
			v := checkpointView{
				Shard:         string(e.Shard),
				EndSeq:        string(e.EndSeq),
				RescanPending: e.RescanPending,
			}
			if e.HasWorker() {
				v.Worker = e.Worker.String()
			}
			out = append(out, v)
		}
		respond.WriteJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
	}
}
