// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/friendrelay/internal/config"
)

// WaitTCP dials addr until it accepts or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// ApplyLogLevels sets the global level, then the per-subsystem overrides.
// A bad entry is logged and skipped.
func ApplyLogLevels(l config.Log) {
	if lvl, err := logging.LevelFromString(l.Level); err == nil {
		logging.SetAllLoggers(lvl)
	} else {
		log.Warnw("bad log level", "level", l.Level, "err", err)
	}
	for sub, lvl := range l.Subsystems {
		if err := logging.SetLogLevel(sub, lvl); err != nil {
			log.Warnw("bad subsystem log level", "subsystem", sub, "level", lvl, "err", err)
		}
	}
}

func logBanner(dataDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("friendrelay")
	log.Infof(" Data folder : %s", dataDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" HTTP        : %s", cfg.Server.HTTPAddr)
	if cfg.Events.NATSURL != "" {
		log.Infof(" NATS        : %s (%s.*)", cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
	}
	log.Info("────────────────────────────────────────")
}
