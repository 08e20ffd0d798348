package connectivity

import "github.com/anime-shed/meter-inspector-go/internal/logger"

// ManualMonitor is driven by the host, which knows its network state better
// than any probe
type ManualMonitor struct {
	*broadcaster
}

// NewManualMonitor creates a monitor with the given initial state
func NewManualMonitor(connected bool) *ManualMonitor {
	return &ManualMonitor{broadcaster: newBroadcaster(connected)}
}

// Set records the current state and notifies subscribers on a transition
func (m *ManualMonitor) Set(connected bool) {
	if m.set(connected) {
		logger.WithField("connected", connected).Info("Connectivity changed")
	}
}
