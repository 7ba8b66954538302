package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/scheduler"
)

type jobView struct {
	Name     string          `json:"name"`
	Enabled  bool            `json:"enabled"`
	Interval string          `json:"interval"`
	Stats    scheduler.Stats `json:"stats"`
}

func (h *Handler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := h.scheduler.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			Name:     j.Name,
			Enabled:  j.Enabled,
			Interval: j.Interval.String(),
			Stats:    h.scheduler.Runner().Stats(j.Name),
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) RunJobHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	res, err := h.scheduler.Trigger(r.Context(), name)
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) ListBreakersHandler(w http.ResponseWriter, r *http.Request) {
	snap := h.breakers.Snapshot()
	if snap == nil {
		snap = []integration.BreakerStatus{}
	}
	respondWithJSON(w, http.StatusOK, snap)
}

func (h *Handler) ResetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t := integration.Type(vars["integration"])
	h.breakers.Reset(t, vars["identifier"])
	respondWithJSON(w, http.StatusOK, map[string]any{
		"integration": t,
		"identifier":  vars["identifier"],
		"state":       h.breakers.State(t, vars["identifier"]),
	})
}

type syncStatsResponse struct {
	Counts map[domain.SyncStatus]int `json:"counts"`
	AsOf   time.Time                 `json:"as_of"`
}

func (h *Handler) SyncTaskStatsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountSyncTasks(r.Context())
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, syncStatsResponse{Counts: counts, AsOf: h.now()})
}

func (h *Handler) GetSyncTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.store.GetSyncTask(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}
