package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// probeReport is the body of the readiness probe.
type probeReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// liveness answers 200 while the process can serve HTTP.
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker in parallel under the configured timeout and
// answers 503 if any of them fails.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	report := s.check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	// The status code is already written; the body is for humans.
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) check(ctx context.Context) probeReport {
	report := probeReport{Status: "up", Components: make(map[string]string, len(s.checkers))}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.checkers {
		g.Go(func() error {
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Warn only: the orchestrator retries the probe.
				s.logger.Warn("health probe failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				report.Components[c.Name()] = "down: " + err.Error()
				report.Status = "down"
				return nil
			}
			report.Components[c.Name()] = "up"
			return nil
		})
	}
	_ = g.Wait()

	return report
}
