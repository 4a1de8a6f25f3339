package main

import (
	"testing"
	"time"
)

func defaultTestConfig() *appConfig {
	return &appConfig{
		backend:      "sim",
		serialDev:    "/dev/ttyUSB0",
		baud:         921600,
		serialReadTO: 50 * time.Millisecond,
		canIf:        "vcan0",
		ramWords:     2560,
		rxFifoSize:   32,
		txFifoSize:   16,
		txEvents:     16,
		fdMode:       true,
		pollInterval: 2 * time.Millisecond,
		txBuffer:     512,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("MCAN_GW_BACKEND", "bridge")
	t.Setenv("MCAN_GW_SERIAL", "/dev/ttyACM3")
	t.Setenv("MCAN_GW_BAUD", "115200")
	t.Setenv("MCAN_GW_RX_FIFO", "8")
	t.Setenv("MCAN_GW_POLL_INTERVAL", "5ms")
	t.Setenv("MCAN_GW_FD", "off")
	t.Setenv("MCAN_GW_MDNS_ENABLE", "yes")

	cfg := defaultTestConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.backend != "bridge" || cfg.serialDev != "/dev/ttyACM3" || cfg.baud != 115200 {
		t.Fatalf("bridge overrides not applied: %+v", cfg)
	}
	if cfg.rxFifoSize != 8 || cfg.pollInterval != 5*time.Millisecond {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	if cfg.fdMode || !cfg.mdnsEnable {
		t.Fatalf("boolean overrides not applied: fd=%v mdns=%v", cfg.fdMode, cfg.mdnsEnable)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate after overrides: %v", err)
	}
}

func TestEnvOverridesFlagWins(t *testing.T) {
	t.Setenv("MCAN_GW_BACKEND", "bridge")
	t.Setenv("MCAN_GW_BAUD", "9600")

	cfg := defaultTestConfig()
	set := map[string]struct{}{"backend": {}, "baud": {}}
	if err := applyEnvOverrides(cfg, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.backend != "sim" || cfg.baud != 921600 {
		t.Fatalf("explicit flags should win over env: %+v", cfg)
	}
}

func TestEnvOverridesInvalidNumber(t *testing.T) {
	t.Setenv("MCAN_GW_BAUD", "fast")
	cfg := defaultTestConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for non-numeric MCAN_GW_BAUD")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"backend", func(c *appConfig) { c.backend = "ftdi" }},
		{"log_format", func(c *appConfig) { c.logFormat = "xml" }},
		{"log_level", func(c *appConfig) { c.logLevel = "loud" }},
		{"rx_fifo", func(c *appConfig) { c.rxFifoSize = 65 }},
		{"tx_fifo", func(c *appConfig) { c.txFifoSize = 0 }},
		{"tx_events", func(c *appConfig) { c.txEvents = 40 }},
		{"watermark", func(c *appConfig) { c.rxWatermark = 99 }},
		{"poll_interval", func(c *appConfig) { c.pollInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultTestConfig()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
