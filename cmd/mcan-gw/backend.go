package main

import (
	"fmt"
	"log/slog"

	"github.com/romixlab/mcan/internal/regbridge"
	"github.com/romixlab/mcan/internal/simcan"
	"github.com/romixlab/mcan/regs"
)

// backend is the controller access the gateway drives: a simulated
// peripheral for development or a serial register bridge to real hardware.
type backend struct {
	rw  regs.Interface
	mem regs.Memory
	// health reports the first access-path error, nil when healthy.
	health func() error
	// loopback selects internal loopback so the sim echoes traffic without
	// a physical bus.
	loopback bool
	cleanup  func()
}

func initBackend(cfg *appConfig, l *slog.Logger) (*backend, error) {
	switch cfg.backend {
	case "sim":
		p := simcan.New(cfg.ramWords)
		l.Info("backend_sim", "ram_words", cfg.ramWords)
		return &backend{
			rw:       p.Regs(),
			mem:      p.Mem(),
			health:   func() error { return nil },
			loopback: true,
			cleanup:  func() {},
		}, nil
	case "bridge":
		b, err := regbridge.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, err
		}
		l.Info("backend_bridge", "device", cfg.serialDev, "baud", cfg.baud)
		return &backend{
			rw:      b.Regs(),
			mem:     b.Mem(),
			health:  b.Err,
			cleanup: func() { _ = b.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use sim|bridge)", cfg.backend)
	}
}
