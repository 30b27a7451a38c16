package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

func (s *Service) handleExecutions(w http.ResponseWriter, r *http.Request) {
	f, verr := parseFilter(r)
	if err := verr.OrNil(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	page, err := s.deps.Log.Query(r.Context(), f)
	if err != nil {
		s.fail(w, r, "failed to query executions", err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (execlog.Filter, *types.ValidationError) {
	q := r.URL.Query()
	verr := &types.ValidationError{}
	f := execlog.Filter{
		RuleID: types.RuleID(q.Get("rule_id")),
		Status: types.ExecutionStatus(q.Get("status")),
	}
	parseTime := func(key string) time.Time {
		v := q.Get(key)
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			verr.Add(key, "must be an RFC 3339 timestamp")
		}
		return t
	}
	parseInt := func(key string) int {
		v := q.Get(key)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Add(key, "must be an integer")
		}
		return n
	}
	f.From = parseTime("from")
	f.To = parseTime("to")
	f.Limit = parseInt("limit")
	f.Offset = parseInt("offset")
	return f, verr
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.List(r.Context(), store.ListOptions{})
	if err != nil {
		s.fail(w, r, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Stats.Snapshot(rules))
}

func (s *Service) handleListeners(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"listeners": s.deps.Listeners.Health()})
}
