package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"ble-locator.klederson.com/internal/actor"
)

// Source is the BLE capture primitive. Start delivers raw records to handler
// from its own goroutine until Stop is called.
type Source interface {
	Enable() error
	Start(handler func(Record)) error
	Stop() error
}

// BLEScanner captures beacon advertisements through the host adapter.
type BLEScanner struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
}

// NewBLEScanner creates a scanner on the default adapter.
func NewBLEScanner(logger *slog.Logger) *BLEScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &BLEScanner{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
	}
}

// Enable powers the adapter. A failure here is fatal for the node.
func (s *BLEScanner) Enable() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w (try running with sudo or setcap cap_net_admin+ep)", err)
	}
	return nil
}

// Start begins a scan in a goroutine. Each advertisement carrying
// manufacturer data is rebuilt into the raw beacon layout.
func (s *BLEScanner) Start(handler func(Record)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go func() {
		err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !s.isRunning() {
				return
			}
			for _, m := range result.ManufacturerData() {
				s.logger.Log(context.Background(), actor.LevelTrace, "advertisement",
					"address", result.Address.String(),
					"company", companyName(m.CompanyID),
					"rssi", result.RSSI)
				handler(BuildRecord(m.CompanyID, m.Data, result.RSSI))
			}
		})
		if err != nil {
			s.logger.Warn("ble scan ended", "error", err)
		}
		s.mu.Lock()
		if s.gen == gen {
			s.running = false
		}
		s.mu.Unlock()
	}()
	return nil
}

// Stop halts the current scan.
func (s *BLEScanner) Stop() error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning {
		return nil
	}
	return s.adapter.StopScan()
}

func (s *BLEScanner) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
