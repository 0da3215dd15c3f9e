// Package health serves the liveness document shared by every service and
// keeps the gRPC health server in step with it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is an extra named dependency probe, for example the NSQ producer.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Status struct {
	OK       bool              `json:"ok"`
	Message  string            `json:"message,omitempty"`
	Database bool              `json:"database,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

const probeTimeout = time.Second

// Evaluate runs the database ping and every check. A nil db means the
// service runs without a database and counts as healthy.
func Evaluate(ctx context.Context, db Pinger, checks ...Check) Status {
	st := Status{OK: true, Message: "ok", Database: true}

	if db != nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := db.Ping(pctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = "db ping failed"
			st.Database = false
		}
	}
	for _, c := range checks {
		if st.Checks == nil {
			st.Checks = map[string]string{}
		}
		cctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Fn(cctx)
		cancel()
		if err != nil {
			st.Checks[c.Name] = err.Error()
			if st.OK {
				st.OK = false
				st.Message = c.Name + " check failed"
			}
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db Pinger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), db, checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch re-evaluates health every interval and mirrors the result into the
// gRPC health server until ctx is done.
func Watch(ctx context.Context, hs *grpc_health.Server, interval time.Duration, db Pinger, checks ...Check) {
	set := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Evaluate(ctx, db, checks...).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}
	set()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}
