// Package app assembles a relay from its config and runs it until the
// context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/friendrelay/internal/account"
	"github.com/petervdpas/friendrelay/internal/config"
	"github.com/petervdpas/friendrelay/internal/events"
	"github.com/petervdpas/friendrelay/internal/metrics"
	"github.com/petervdpas/friendrelay/internal/presence"
	"github.com/petervdpas/friendrelay/internal/relay"
	"github.com/petervdpas/friendrelay/internal/server"
	"github.com/petervdpas/friendrelay/internal/storage"
	"github.com/petervdpas/friendrelay/internal/transport"
	"github.com/petervdpas/friendrelay/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config

	// Ready, if set, is called with the bound HTTP address once the relay
	// accepts connections.
	Ready func(addr string)
}

// Run opens storage, starts the HTTP server and watches the config file.
// It returns after ctx ends and every session has been torn down.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	ApplyLogLevels(cfg.Log)
	logBanner(opt.DataDir, opt.CfgPath, cfg)

	db, err := storage.Open(util.ResolvePath(opt.DataDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	activity := server.NewActivity(0)
	pub := events.Multi{activity}
	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		pub = append(pub, nc)
	}

	tokens, generated, err := account.NewTokens(cfg.Auth.TokenSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	if err != nil {
		return err
	}
	if generated {
		log.Warnw("auth.token_secret is empty; using a random secret, tokens will not survive a restart")
	}

	hub := relay.NewHub(db, presence.New(), relayOptions(cfg), m, pub)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(serverOptions(cfg), hub, account.NewService(db, tokens, m), db, m, activity)
	if err := srv.Start(gctx); err != nil {
		return fmt.Errorf("start http: %w", err)
	}
	if opt.Ready != nil {
		opt.Ready(srv.Addr())
	}

	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opt.CfgPath, func(c config.Config) {
				log.Infow("config reloaded", "path", opt.CfgPath)
				ApplyLogLevels(c.Log)
				hub.Router().SetRateLimit(rateLimit(c))
				hub.Router().SetMaxMessageBytes(c.Relay.MaxMessageBytes)
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	log.Infow("shutting down", "online", len(hub.Online()))
	srv.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func rateLimit(cfg config.Config) relay.RateLimit {
	return relay.RateLimit{EventsPerSecond: cfg.Relay.EventsPerSecond, Burst: cfg.Relay.EventBurst}
}

func relayOptions(cfg config.Config) relay.Options {
	return relay.Options{
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		HistoryLimit:    cfg.Relay.HistoryLimit,
		RateLimit:       rateLimit(cfg),
	}
}

func serverOptions(cfg config.Config) server.Options {
	return server.Options{
		Addr:           cfg.Server.HTTPAddr,
		AdminPassword:  cfg.Server.AdminPassword,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HistoryLimit:   cfg.Relay.HistoryLimit,
		Transport: transport.Options{
			SendBuffer:    cfg.Transport.SendBuffer,
			WriteWait:     time.Duration(cfg.Transport.WriteWaitSeconds) * time.Second,
			PongWait:      time.Duration(cfg.Transport.PongWaitSeconds) * time.Second,
			PingInterval:  time.Duration(cfg.Transport.PingIntervalSeconds) * time.Second,
			MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		},
	}
}

// AddUser creates or overwrites an identity's credential without a running
// relay. The identity is stored offline.
func AddUser(ctx context.Context, dataDir string, cfg config.Config, username, password string) error {
	name, err := util.ValidateUsername(username)
	if err != nil {
		return err
	}
	if len(password) < 4 || len(password) > 72 {
		return errors.New("password must be between 4 and 72 characters")
	}
	hash, err := account.HashPassword(password)
	if err != nil {
		return err
	}
	db, err := storage.Open(util.ResolvePath(dataDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	return db.UpsertIdentity(ctx, name, hash, false)
}
