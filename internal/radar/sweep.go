package radar

import (
	"math"
	"time"

	"ble-locator.klederson.com/internal/config"
)

// Pulse drives the glow of the node marker.
type Pulse struct {
	Phase     float64 // [0, 1)
	StartTime time.Time
}

// NewPulse creates a pulse starting now.
func NewPulse() *Pulse {
	return &Pulse{StartTime: time.Now()}
}

// Update advances the phase based on elapsed time.
func (p *Pulse) Update() {
	p.advance(time.Since(p.StartTime))
}

func (p *Pulse) advance(elapsed time.Duration) {
	p.Phase = math.Mod(elapsed.Seconds()/config.PulsePeriod.Seconds(), 1)
}

// Intensity returns the glow in [0, 1]: 1 at the start of a period, fading
// to 0 half way and back.
func (p *Pulse) Intensity() float64 {
	return (math.Cos(2*math.Pi*p.Phase) + 1) / 2
}
