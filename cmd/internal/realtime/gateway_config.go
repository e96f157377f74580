package realtime

import "time"

const (
	// maxFrameBytes is the read limit applied to every websocket frame.
	maxFrameBytes = 64 << 10

	minSendQueue     = 32
	defaultSendQueue = 256

	defaultWriteTimeout      = 5 * time.Second
	defaultReadIdle          = 2 * time.Minute
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultRateEvents        = 120
	defaultRateWindow        = 10 * time.Second

	maxPingFailures = 3
	closeGrace      = time.Second
)

// GatewayConfig is the transport policy of the websocket endpoint.
// Zero fields take the defaults from DefaultGatewayConfig.
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig requires an Origin and only trusts localhost.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		SendQueueSize:     defaultSendQueue,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		RateEvents:        defaultRateEvents,
		RateWindow:        defaultRateWindow,
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	c.WriteTimeout = orDefault(c.WriteTimeout, defaultWriteTimeout)
	c.ReadIdleTimeout = orDefault(c.ReadIdleTimeout, defaultReadIdle)
	c.SendQueueSize = max(orDefault(c.SendQueueSize, defaultSendQueue), minSendQueue)
	c.HeartbeatInterval = orDefault(c.HeartbeatInterval, defaultHeartbeatInterval)
	c.HeartbeatTimeout = orDefault(c.HeartbeatTimeout, defaultHeartbeatTimeout)
	c.RateEvents = orDefault(c.RateEvents, defaultRateEvents)
	c.RateWindow = orDefault(c.RateWindow, defaultRateWindow)
	return c
}
