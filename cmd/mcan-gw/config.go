package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/romixlab/mcan/msgram"
)

type appConfig struct {
	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	canIf        string

	ramWords     int
	rxFifoSize   int
	txFifoSize   int
	txEvents     int
	rxWatermark  int
	fdMode       bool
	pollInterval time.Duration
	txBuffer     int

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "sim", "Controller access: sim|bridge (serial register bridge)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=bridge)")
	baud := flag.Int("baud", 921600, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	canIf := flag.String("can-if", "vcan0", "Host SocketCAN interface")
	ramWords := flag.Int("ram-words", 2560, "Message RAM capacity in 32-bit words")
	rxFifoSize := flag.Int("rx-fifo", 32, "RX FIFO 0 element count")
	txFifoSize := flag.Int("tx-fifo", 16, "TX FIFO element count")
	txEvents := flag.Int("tx-events", 16, "TX event FIFO element count")
	rxWatermark := flag.Int("rx-watermark", 0, "RX FIFO 0 watermark (0 disables)")
	fdMode := flag.Bool("fd", true, "CAN FD with bit rate switching")
	pollInterval := flag.Duration("poll-interval", 2*time.Millisecond, "Controller poll interval")
	txBuffer := flag.Int("tx-buffer", 512, "Host TX writer buffer (frames)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default mcan-gw-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.canIf = *canIf
	cfg.ramWords = *ramWords
	cfg.rxFifoSize = *rxFifoSize
	cfg.txFifoSize = *txFifoSize
	cfg.txEvents = *txEvents
	cfg.rxWatermark = *rxWatermark
	cfg.fdMode = *fdMode
	cfg.pollInterval = *pollInterval
	cfg.txBuffer = *txBuffer
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges only; devices are opened later.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "sim", "bridge":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.ramWords <= 0 {
		return fmt.Errorf("ram-words must be > 0 (got %d)", c.ramWords)
	}
	if c.rxFifoSize <= 0 || c.rxFifoSize > msgram.MaxRxFifoElems {
		return fmt.Errorf("rx-fifo must be 1..%d (got %d)", msgram.MaxRxFifoElems, c.rxFifoSize)
	}
	if c.txFifoSize <= 0 || c.txFifoSize > msgram.MaxTxElems {
		return fmt.Errorf("tx-fifo must be 1..%d (got %d)", msgram.MaxTxElems, c.txFifoSize)
	}
	if c.txEvents <= 0 || c.txEvents > msgram.MaxTxEvents {
		return fmt.Errorf("tx-events must be 1..%d (got %d)", msgram.MaxTxEvents, c.txEvents)
	}
	if c.rxWatermark < 0 || c.rxWatermark > c.rxFifoSize {
		return fmt.Errorf("rx-watermark must be 0..%d (got %d)", c.rxFifoSize, c.rxWatermark)
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.txBuffer <= 0 {
		return fmt.Errorf("tx-buffer must be > 0 (got %d)", c.txBuffer)
	}
	return nil
}

// applyEnvOverrides maps MCAN_GW_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored;
// durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("backend", "MCAN_GW_BACKEND", &c.backend)
	str("serial", "MCAN_GW_SERIAL", &c.serialDev)
	num("baud", "MCAN_GW_BAUD", &c.baud, 1)
	dur("serial-read-timeout", "MCAN_GW_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("can-if", "MCAN_GW_IF", &c.canIf)
	num("ram-words", "MCAN_GW_RAM_WORDS", &c.ramWords, 1)
	num("rx-fifo", "MCAN_GW_RX_FIFO", &c.rxFifoSize, 1)
	num("tx-fifo", "MCAN_GW_TX_FIFO", &c.txFifoSize, 1)
	num("tx-events", "MCAN_GW_TX_EVENTS", &c.txEvents, 1)
	num("rx-watermark", "MCAN_GW_RX_WATERMARK", &c.rxWatermark, 0)
	boolean("fd", "MCAN_GW_FD", &c.fdMode)
	dur("poll-interval", "MCAN_GW_POLL_INTERVAL", &c.pollInterval)
	num("tx-buffer", "MCAN_GW_TX_BUFFER", &c.txBuffer, 1)
	str("log-format", "MCAN_GW_LOG_FORMAT", &c.logFormat)
	str("log-level", "MCAN_GW_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("MCAN_GW_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "MCAN_GW_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "MCAN_GW_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MCAN_GW_MDNS_NAME", &c.mdnsName)
	return firstErr
}
