// Package keepalive pings the relay's own health endpoint on a randomized
// interval so hosting platforms that idle out quiet services keep it awake.
package keepalive

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/markus-barta/relayhub/internal/protocol"
	"github.com/rs/zerolog"
)

const requestTimeout = 10 * time.Second

// Prober periodically requests BaseURL + "/health".
type Prober struct {
	log    zerolog.Logger
	url    string
	min    time.Duration
	max    time.Duration
	client *http.Client

	// jitter picks the next delay; replaced in tests.
	jitter func(min, max time.Duration) time.Duration
}

// New creates a prober for baseURL with delays drawn from [min, max].
func New(baseURL string, min, max time.Duration, log zerolog.Logger) *Prober {
	return &Prober{
		log:    log.With().Str("component", "keepalive").Logger(),
		url:    baseURL + "/health",
		min:    min,
		max:    max,
		client: &http.Client{Timeout: requestTimeout},
		jitter: randomDelay,
	}
}

// randomDelay returns a whole number of seconds in [min, max].
func randomDelay(min, max time.Duration) time.Duration {
	lo, hi := int64(min/time.Second), int64(max/time.Second)
	if hi <= lo {
		return min
	}
	return time.Duration(lo+rand.Int63n(hi-lo+1)) * time.Second
}

// Run probes until ctx is done. Each timer is armed only after the
// previous probe finished.
func (p *Prober) Run(ctx context.Context) {
	p.log.Info().Str("url", p.url).Dur("min", p.min).Dur("max", p.max).Msg("self-ping started")

	timer := time.NewTimer(p.jitter(p.min, p.max))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("self-ping stopped")
			return
		case <-timer.C:
			p.safeProbe(ctx)
			timer.Reset(p.jitter(p.min, p.max))
		}
	}
}

func (p *Prober) safeProbe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("self-ping crashed")
		}
	}()

	resp, err := p.Probe(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("self-ping error")
		return
	}
	p.log.Info().Str("status", resp.Status).Str("timestamp", resp.Timestamp).Msg("self-ping response")
}

// Probe performs one health request.
func (p *Prober) Probe(ctx context.Context) (*protocol.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &body, nil
}
