package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by *pgxpool.Pool and the store implementations.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// Check pings db with a one second budget. A nil db is healthy.
func Check(ctx context.Context, db Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if db == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		st.OK = false
		st.Message = "db ping failed"
		st.Database = false
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), db)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch mirrors the database health into the gRPC health server until ctx
// is done. The overall ("") service and each named service are updated.
func Watch(ctx context.Context, db Pinger, hs *grpc_health.Server, interval time.Duration, services ...string) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(ctx, db).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		for _, s := range services {
			hs.SetServingStatus(s, status)
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
