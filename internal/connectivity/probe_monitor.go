package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/anime-shed/meter-inspector-go/internal/logger"
)

// ProbeMonitor polls a health URL with HEAD requests. Any answer below 500
// counts as connected.
type ProbeMonitor struct {
	*broadcaster
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProbeMonitor creates a probe that starts disconnected until the first check
func NewProbeMonitor(url string, interval time.Duration) *ProbeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &ProbeMonitor{
		broadcaster: newBroadcaster(false),
		url:         url,
		interval:    interval,
		client:      &http.Client{Timeout: timeout},
	}
}

// Run probes immediately and then every interval until ctx is done
func (p *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check probes once and updates the state
func (p *ProbeMonitor) Check(ctx context.Context) bool {
	connected := p.probe(ctx)
	if p.set(connected) {
		logger.WithFields(map[string]interface{}{
			"connected": connected,
			"probe_url": p.url,
		}).Info("Connectivity changed")
	}
	return connected
}

func (p *ProbeMonitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logger.WithError(err).Debug("Connectivity probe failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
