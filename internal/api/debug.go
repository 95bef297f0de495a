package api

import (
	"net/http"
	"time"

	"crewroute/internal/buildinfo"
)

// DebugJSON reports build info, backend choices and live pipeline counters. Admin only.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	info := map[string]any{
		"build":  buildinfo.Get(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Debug,
	}
	if s.Jobs != nil {
		depth, err := s.Jobs.Queue.Depth(r.Context())
		pipeline := map[string]any{
			"queueDepth":     depth,
			"activeJobs":     s.Jobs.Registry.Len(),
			"historyRecords": s.Jobs.History.Len(),
		}
		if err != nil {
			pipeline["queueError"] = err.Error()
		}
		info["pipeline"] = pipeline
	}
	writeJSON(w, http.StatusOK, info)
}
