// Package probe issues lightweight HEAD requests against candidate
// endpoints to discover which snapshot archives they advertise.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrNoRedirect is returned when an endpoint answers without redirecting
// to an archive.
var ErrNoRedirect = errors.New("endpoint did not redirect to a snapshot")

// Redirect is a snapshot redirect observed on a well-known path.
type Redirect struct {
	Location string
	Status   int
	Latency  time.Duration
}

// Prober issues body-less requests that never follow redirects.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober whose requests are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 2
	transport.DisableCompression = true

	return &Prober{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Head requests path on address and returns the redirect it answers with.
func (p *Prober) Head(ctx context.Context, address, path string) (*Redirect, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "http://"+address+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)
	resp.Body.Close()

	location := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode >= 400 || location == "" {
		return nil, fmt.Errorf("%w: status %d", ErrNoRedirect, resp.StatusCode)
	}

	return &Redirect{
		Location: location,
		Status:   resp.StatusCode,
		Latency:  latency,
	}, nil
}

// IsTimeout reports whether err is a probe timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
