// Package main is a minimal HTTP health check binary for use in distroless
// containers. It exits 0 when the /health endpoint returns HTTP 200, and 1
// otherwise. Compile with CGO_ENABLED=0 for a fully static binary.
//
// POWERGATE_HEALTHCHECK_URL overrides the probed URL.
package main

import (
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/health"

func main() {
	os.Exit(probe(target()))
}

func target() string {
	if u := os.Getenv("POWERGATE_HEALTHCHECK_URL"); u != "" {
		return u
	}
	return defaultURL
}

func probe(url string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
