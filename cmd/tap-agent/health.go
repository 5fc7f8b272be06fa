package main

import (
	"context"
	"net/http"
	"time"

	"github.com/graphops/tap-agent/store"
)

// healthHandler reports 200 while the store's connection pool answers a
// ping within a short deadline, 503 otherwise. Grounded on the teacher's
// healthcheck.Monitor idea (periodic liveness probes of dependent
// services) but implemented directly against net/http and the pool's own
// Ping, since the teacher's healthcheck package ships no source in this
// pack to adapt beyond its name.
func healthHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.Pool().Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("db unreachable: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
