// Package node builds the locator components from a configuration and runs
// them until the context is cancelled.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ble-locator.klederson.com/internal/beaconscan"
	"ble-locator.klederson.com/internal/bluetooth"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/locate"
	"ble-locator.klederson.com/internal/mqtt"
	"ble-locator.klederson.com/internal/position"
	"ble-locator.klederson.com/internal/session"
	"ble-locator.klederson.com/internal/store"
	"ble-locator.klederson.com/internal/sysload"
	"ble-locator.klederson.com/internal/transport"
)

// stopTimeout bounds the wait for every actor to reach Death.
const stopTimeout = 5 * time.Second

// Node owns every component of a running locator.
type Node struct {
	cfg    *config.File
	logger *slog.Logger

	source  bluetooth.Source
	coord   *beaconscan.Coordinator
	engine  *position.Engine
	session *session.Orchestrator
	server  *transport.Server
	sampler *sysload.Sampler
	store   *store.Store
	mirror  *mqtt.Mirror
	broker  *mqtt.Client
}

// New builds the components. Nothing runs until Run. A source may be given
// to replace the one selected by cfg.Bluetooth.Demo.
func New(ctx context.Context, cfg *config.File, source bluetooth.Source, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{cfg: cfg, logger: logger}
	calc := locate.Calculator{ReferencePower: cfg.Engine.ReferencePower}

	switch {
	case source != nil:
		n.source = source
	case cfg.Bluetooth.Demo:
		logger.Info("demo mode, beacons are simulated")
		n.source = bluetooth.NewMockScanner(cfg.Bluetooth.VendorUUID, calc)
	default:
		n.source = bluetooth.NewBLEScanner(logger)
	}

	if cfg.Calibration.Store != "" {
		st, err := store.Open(cfg.Calibration.Store)
		if err != nil {
			return nil, err
		}
		n.store = st
		switch id, at, err := st.LastRun(ctx); {
		case err == nil:
			logger.Info("stored calibration found", "run", id, "finished", at.Format(time.RFC3339))
		case errors.Is(err, sql.ErrNoRows):
			logger.Info("no stored calibration", "path", cfg.Calibration.Store)
		default:
			logger.Warn("reading stored calibration", "error", err)
		}
	}

	if cfg.MQTT.Broker != "" {
		nodeID := cfg.NodeID
		if nodeID == "" {
			nodeID = uuid.New().String()
		}
		client, err := mqtt.Connect(ctx, cfg.MQTT.Broker, "ble-locator-"+nodeID, logger)
		if err != nil {
			n.closeStore()
			return nil, err
		}
		n.broker = client
		n.mirror = mqtt.New(client, mqtt.Options{Topic: cfg.MQTT.Topic, NodeID: nodeID, Logger: logger})
	}

	n.sampler = sysload.New(sysload.Options{
		ProcPath:         cfg.Load.ProcPath,
		Retries:          cfg.Load.Retries,
		FailureThreshold: cfg.Load.FailureThreshold,
		Logger:           logger,
	})

	n.coord = beaconscan.New(n.source, beaconscan.Options{
		VendorUUID:      cfg.Bluetooth.VendorUUID,
		ScanPeriod:      cfg.Bluetooth.ScanPeriod,
		CaptureWindow:   cfg.Bluetooth.CaptureWindow,
		MailboxCapacity: cfg.Engine.MailboxCapacity,
		Logger:          logger,
	})

	n.server = transport.NewServer(nil, transport.Options{
		Listen:     cfg.Transport.Listen,
		RetryDelay: cfg.Transport.RetryDelay,
		FrameRate:  rate.Limit(cfg.Transport.InboundRate),
		FrameBurst: cfg.Transport.InboundBurst,
		Logger:     logger,
	})
	n.session = session.New(n.server, session.Options{
		CalibrationPositions:  cfg.CalibrationPositions(),
		ExperimentalPositions: cfg.ExperimentalPositions(),
		ExperimentalTrajects:  cfg.ExperimentalTrajects(),
		MailboxCapacity:       cfg.Engine.MailboxCapacity,
		Logger:                logger,
	})
	n.server.Bind(n.session)

	var reporter position.Reporter = n.session
	if n.mirror != nil {
		reporter = &mirrorReporter{Reporter: n.session, mirror: n.mirror, logger: logger}
	}
	opts := position.Options{
		Period:             cfg.Engine.Period,
		DefaultCoefficient: cfg.Engine.DefaultCoefficient,
		MailboxCapacity:    cfg.Engine.MailboxCapacity,
		Logger:             logger,
	}
	if n.store != nil {
		opts.Store = n.store
	}
	n.engine = position.New(n.coord, n.sampler, calc, reporter, opts)
	n.session.Bind(n.engine)
	return n, nil
}

// Run starts every actor and the transport, then blocks until ctx is
// cancelled. A source that cannot be enabled is fatal.
func (n *Node) Run(ctx context.Context) error {
	defer n.closeStore()
	defer n.disconnectBroker()

	if err := n.coord.Start(ctx); err != nil {
		return fmt.Errorf("start beacon scan: %w", err)
	}
	if err := n.engine.Start(ctx); err != nil {
		n.stopActor(n.coord.Stop, n.coord.Done())
		return fmt.Errorf("start position engine: %w", err)
	}
	n.session.Start(ctx)

	var wg sync.WaitGroup
	if n.mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.mirror.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.server.Run(ctx); err != nil {
			n.logger.Error("transport stopped", "error", err)
		}
	}()

	n.logger.Info("node running",
		"listen", n.cfg.Transport.Listen,
		"calibration_positions", len(n.cfg.Calibration.Positions),
		"store", n.store != nil,
		"mqtt", n.mirror != nil,
	)
	<-ctx.Done()
	n.logger.Info("shutting down")

	// The session stops the engine and closes the transport on its way out.
	n.stopActor(n.session.Stop, n.session.Done())
	n.stopActor(n.engine.Stop, n.engine.Done())
	n.stopActor(n.coord.Stop, n.coord.Done())
	if n.mirror != nil {
		n.mirror.Close()
	}
	n.server.Close()
	wg.Wait()
	return nil
}

// Addr is the transport listening address, nil between listeners.
func (n *Node) Addr() net.Addr { return n.server.Addr() }

func (n *Node) stopActor(stop func(context.Context) error, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		n.logger.Debug("stop", "error", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("actor did not stop in time")
	}
}

func (n *Node) closeStore() {
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("calibration store close", "error", err)
		}
	}
}

func (n *Node) disconnectBroker() {
	if n.broker != nil {
		n.broker.Disconnect()
	}
}
