// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/qos"
)

type bucketView struct {
	qos.Stats
	InBytesPS  float64 `json:"in_bytes_per_sec_observed"`
	OutBytesPS float64 `json:"out_bytes_per_sec_observed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"status":    s.backend.Status(),
	})
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	flows := s.backend.FlowStats()
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	respondWithJSON(w, http.StatusOK, map[string]any{
		"flows": flows,
		"count": len(flows),
	})
}

func (s *Server) handleAbortFlow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if err := s.backend.AbortFlow(id); err != nil {
		respondWithError(w, err)
		return
	}
	s.logger.Info("flow aborted via API", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func bucketViewOf(st qos.Stats, rates map[uint64]metrics.BucketRate) bucketView {
	v := bucketView{Stats: st}
	if r, ok := rates[st.ID]; ok {
		v.InBytesPS, v.OutBytesPS = r.InBytesPS, r.OutBytesPS
	}
	return v
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	rates := s.backend.BucketRates()
	list := s.backend.Buckets()
	views := make([]bucketView, 0, len(list))
	for _, st := range list {
		views = append(views, bucketViewOf(st, rates))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"buckets": views,
		"count":   len(views),
	})
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	st, err := s.backend.BucketStats(id)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, bucketViewOf(st, s.backend.BucketRates()))
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"rules":      s.backend.Rules(),
		"bind_rules": s.backend.BindRules(),
	})
}

func pathID(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Errorf(errors.KindValidation, "invalid id %q", raw)
	}
	return id, nil
}

func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindPermission:
		return http.StatusForbidden
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondWithError(w http.ResponseWriter, err error) {
	respondWithJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
