package bluetooth

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/locate"
	"ble-locator.klederson.com/internal/model"
)

// DemoBeacon is a synthetic beacon broadcasting from a fixed position.
type DemoBeacon struct {
	Name        string
	Position    model.Position
	Coefficient float64 // path loss the simulation applies
}

// DemoBeacons surround the default calibration area.
var DemoBeacons = []DemoBeacon{
	{"B1", model.Position{X: -50, Y: -50}, 2.2},
	{"B2", model.Position{X: 350, Y: -50}, 2.6},
	{"B3", model.Position{X: 350, Y: 350}, 2.4},
	{"B4", model.Position{X: -50, Y: 350}, 2.8},
}

// demoPath is the loop the simulated walker follows.
var demoPath = []model.Position{
	{X: 50, Y: 50},
	{X: 250, Y: 50},
	{X: 250, Y: 250},
	{X: 50, Y: 250},
}

// foreignUUID tags a device that is not one of ours; it must be filtered.
const foreignUUID = 0x1234

// MockScanner generates beacon advertisements for demo mode, as seen by a
// receiver walking along demoPath.
type MockScanner struct {
	beacons []DemoBeacon
	vendor  uint16
	calc    locate.Calculator
	speed   float64 // cm/s
	noise   float64 // dBm

	mu      sync.Mutex
	elapsed float64 // seconds walked
	cancel  context.CancelFunc
}

// NewMockScanner creates a demo source tagging its beacons with vendor.
func NewMockScanner(vendor uint16, calc locate.Calculator) *MockScanner {
	return &MockScanner{
		beacons: DemoBeacons,
		vendor:  vendor,
		calc:    calc,
		speed:   config.DemoWalkSpeed,
		noise:   config.DemoNoise,
	}
}

// Enable always succeeds.
func (s *MockScanner) Enable() error { return nil }

// Start begins emitting records to handler.
func (s *MockScanner) Start(handler func(Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx, handler)
	return nil
}

func (s *MockScanner) loop(ctx context.Context, handler func(Record)) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.elapsed += 0.2
			at := WalkerAt(s.elapsed, s.speed)
			s.mu.Unlock()

			for _, r := range s.Records(at) {
				handler(r)
			}
		}
	}
}

// Stop halts the emitter. The walker keeps its place for the next pass.
func (s *MockScanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// Walker returns the current simulated receiver position.
func (s *MockScanner) Walker() model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WalkerAt(s.elapsed, s.speed)
}

// Records builds one advertisement per demo beacon as heard from at, plus
// one foreign device that carries another vendor UUID.
func (s *MockScanner) Records(at model.Position) []Record {
	out := make([]Record, 0, len(s.beacons)+1)
	for _, b := range s.beacons {
		// Beacons occasionally miss a cycle
		if s.noise > 0 && rand.Float64() < 0.05 {
			continue
		}
		d := math.Max(locate.Distance(at, b.Position), 1)
		power := s.calc.PowerAtDistance(d, b.Coefficient)
		if s.noise > 0 {
			power += (rand.Float64()*2 - 1) * s.noise
		}
		cid, data := EncodeAdvertisement(b.Name, b.Position, s.vendor)
		out = append(out, BuildRecord(cid, data, int16(math.Round(power))))
	}
	cid, data := EncodeAdvertisement("ZZ", at, foreignUUID)
	out = append(out, BuildRecord(cid, data, -90))
	return out
}

// WalkerAt returns the point reached after walking elapsed seconds along
// demoPath at speed cm/s, looping forever.
func WalkerAt(elapsed, speed float64) model.Position {
	var total float64
	for i := range demoPath {
		total += locate.Distance(demoPath[i], demoPath[(i+1)%len(demoPath)])
	}
	if total == 0 {
		return demoPath[0]
	}
	left := math.Mod(elapsed*speed, total)
	for i := range demoPath {
		a, b := demoPath[i], demoPath[(i+1)%len(demoPath)]
		seg := locate.Distance(a, b)
		if left <= seg {
			f := left / seg
			return model.Position{
				X: a.X + int32(f*float64(b.X-a.X)),
				Y: a.Y + int32(f*float64(b.Y-a.Y)),
			}
		}
		left -= seg
	}
	return demoPath[0]
}
