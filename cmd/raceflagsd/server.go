package main

import (
	"fmt"
	"net/http"
	"time"
)

// setupServer builds the HTTP server around the API handler. Plain
// HTTP/1.1: the subscriber and peer endpoints rely on WebSocket
// upgrades. No write timeout for the same reason.
func setupServer(cfg Config, services *Services) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler:           services.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
