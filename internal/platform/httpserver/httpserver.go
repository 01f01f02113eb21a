// Package httpserver builds the server for the pipeline management API.
package httpserver

import (
	"net/http"
	"time"
)

// New returns the http.Server for the trigger and status routes. Only the
// header read is bounded here; request deadlines are per-route middleware,
// since a synchronous pipeline trigger legitimately runs for minutes.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
