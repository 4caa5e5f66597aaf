package rest

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker probes one dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// PingChecker adapts a ping function (pgxpool.Pool.Ping, redis Ping) to a
// HealthChecker.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) Check(ctx context.Context) error { return p.ping(ctx) }

type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// healthHandler reports 503 when any dependency fails its probe.
func healthHandler(timeout time.Duration, checkers ...HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		resp := HealthResponse{Status: "ok", Timestamp: time.Now().UTC()}
		status := http.StatusOK
		if len(checkers) > 0 {
			resp.Checks = make(map[string]string, len(checkers))
		}
		for _, c := range checkers {
			if err := c.Check(ctx); err != nil {
				resp.Checks[c.Name()] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name()] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
