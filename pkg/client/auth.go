package client

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/google"
)

// Scope required by the profiler API.
const monitoringWriteScope = "https://www.googleapis.com/auth/monitoring.write"

// NewAuthenticatedHTTPClient builds an http.Client backed by application
// default credentials with the monitoring.write scope. The request timeout
// is cleared so the long-hanging poll is bounded by its context alone.
func NewAuthenticatedHTTPClient(ctx context.Context) (*http.Client, error) {
	hc, err := google.DefaultClient(ctx, monitoringWriteScope)
	if err != nil {
		return nil, err
	}
	hc.Timeout = 0
	return hc, nil
}
