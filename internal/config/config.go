package config

import "time"

const (
	// RSSI to distance estimation
	ReferencePowerAt1m = -59.0 // RSSI at 1 meter (dBm)
	DefaultCoefficient = 2.5   // Path loss exponent used before calibration

	// Beacon scan coordinator
	ScanPeriod    = 2 * time.Second        // Watchdog between capture passes
	CaptureWindow = 1500 * time.Millisecond // How long one capture pass listens
	VendorUUID    = 0xBEAC                  // Bytes 21-22 of every accepted record

	// Position engine
	PositionPeriod = 1 * time.Second // Watchdog between position cycles

	// Actors
	MailboxCapacity = 32

	// Transport
	ListenAddr = ":7070"
	RetryDelay = 2 * time.Second // Fixed delay before the listener is rebuilt

	InboundFrameRate  = 50 // Frames per second accepted from the peer
	InboundFrameBurst = 20

	// Load sampler
	ProcPath         = "/proc"
	LoadRetries      = 2 // Extra reads attempted inside one sample
	FailureThreshold = 3 // Consecutive failed samples before the sentinel is reported

	// MQTT mirror
	MQTTTopic           = "ble-locator"
	MQTTQueue           = 16 // Pending publishes before new ones are dropped
	MQTTPublishTimeout  = 2 * time.Second
	MQTTConnectTimeout  = 5 * time.Second
	MQTTBreakerFailures = 5 // Consecutive failures before publishing is suspended
	MQTTBreakerTimeout  = 30 * time.Second

	// Demo mode
	DemoWalkSpeed = 40.0 // cm per second for the simulated walker
	DemoNoise     = 2.0  // dBm of random RSSI jitter

	// Console
	AspectRatio   = 0.5 // Terminal char aspect correction (chars are ~2:1 tall)
	TargetFPS     = 10  // Redraws per second
	TrailLength   = 64  // Node positions kept on the floor map
	HistoryLength = 120 // Load samples kept for the sparkline
	PulsePeriod   = 1500 * time.Millisecond
	GridStep      = 100.0 // Floor grid spacing, cm

	// App
	AppName    = "BLE-LOCATOR"
	AppVersion = "1.0"
)
