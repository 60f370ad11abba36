package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ble-locator.klederson.com/internal/app"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/logging"
	"ble-locator.klederson.com/internal/node"
)

var (
	flagConfig   string
	flagDemo     bool
	flagListen   string
	flagLogLevel string
	flagAddr     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ble-locator",
		Short: "BLE Locator - indoor positioning node driven by BLE beacons",
		Long: `BLE Locator scans BLE beacons with known positions, trilaterates its own
position and serves telemetry and a beacon calibration workflow to one
remote peer over TCP.

Requires sudo or CAP_NET_ADMIN capability for real Bluetooth scanning.
Use --demo flag for simulated beacons without Bluetooth hardware.`,
		SilenceUsage: true,
		RunE:         runNode,
	}

	rootCmd.Flags().StringVar(&flagConfig, "config", "", "YAML configuration file")
	rootCmd.Flags().BoolVar(&flagDemo, "demo", false, "Simulate beacons around a walking receiver (no Bluetooth required)")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "TCP address the peer connects to (default "+config.ListenAddr+")")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "trace, debug, info, warn or error")

	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Terminal console acting as the remote peer of a node",
		RunE:  runConsole,
	}
	consoleCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1"+config.ListenAddr, "Node address")
	rootCmd.AddCommand(consoleCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.File, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagDemo {
		cfg.Bluetooth.Demo = true
	}
	if flagListen != "" {
		cfg.Transport.Listen = flagListen
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	if err := n.Run(ctx); err != nil {
		if !cfg.Bluetooth.Demo {
			fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
			fmt.Fprintln(os.Stderr, "Bluetooth scanning requires elevated permissions.")
			fmt.Fprintln(os.Stderr, "Try one of:")
			fmt.Fprintln(os.Stderr, "  sudo ./ble-locator")
			fmt.Fprintln(os.Stderr, "  sudo setcap cap_net_admin+ep ./ble-locator")
			fmt.Fprintln(os.Stderr, "  ./ble-locator --demo    (demo mode, no hardware needed)")
		}
		return err
	}
	return nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	model := app.New(flagAddr)

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithFPS(30),
	)
	_, err := p.Run()
	model.Close()
	return err
}
