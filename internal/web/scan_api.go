package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/inercia/bulwark/internal/scanner"
)

// ScanRequest is the body of POST /api/scan.
type ScanRequest struct {
	Hosts       []string `json:"hosts"`
	Ports       string   `json:"ports"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	SingleHost  bool     `json:"single_host,omitempty"`
}

type scanResponse struct {
	Results  []scanner.HostResult `json:"results"`
	Duration int64                `json:"duration"`
	Partial  bool                 `json:"partial"`
}

// handleScan handles POST /api/scan. The request runs under
// ScanRequestTimeout; a scan cut short returns the attempts that finished.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	if req.TimeoutMS < 0 {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "timeout_ms must not be negative")
		return
	}

	start := time.Now()
	results, err := s.config.Scanner.Scan(r.Context(), scanner.Request{
		Hosts:       req.Hosts,
		Ports:       req.Ports,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		Concurrency: req.Concurrency,
		SingleHost:  req.SingleHost,
	})
	elapsed := time.Since(start)

	var validation *scanner.ValidationError
	switch {
	case errors.As(err, &validation):
		s.config.Scans.Observe("invalid", elapsed, 0)
		writeError(w, err)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.config.Scans.Observe("cancelled", elapsed, openPorts(results))
	case err != nil:
		writeError(w, err)
		return
	default:
		s.config.Scans.Observe("ok", elapsed, openPorts(results))
	}

	if results == nil {
		results = []scanner.HostResult{}
	}
	writeJSONOK(w, scanResponse{
		Results:  results,
		Duration: elapsed.Milliseconds(),
		Partial:  err != nil,
	})
}

func openPorts(results []scanner.HostResult) int {
	n := 0
	for _, r := range results {
		n += r.TotalOpen
	}
	return n
}
