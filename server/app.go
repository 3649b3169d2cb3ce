package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"warden/config"
	"warden/internal/api"
	"warden/internal/controller"
	"warden/internal/db"
	"warden/internal/devices"
	"warden/internal/health"
	"warden/internal/ipam"
	"warden/internal/keylock"
	"warden/internal/logs"
	"warden/internal/middleware"
	"warden/internal/notify"
	"warden/internal/repo"
	"warden/internal/subscription"
	"warden/internal/vpn/amnezia"
	"warden/internal/vpn/wireguard"
)

type App struct {
	cfg *config.Config
	db  *gorm.DB

	Store         *repo.AccountStore
	Backend       wireguard.Backend
	Devices       *devices.Manager
	Subscriptions *subscription.Service
	Reconciler    *controller.Reconciler
	Router        *mux.Router

	httpServer *http.Server
	closers    []func() error
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	/* 1) Логи */
	if err := logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return err
	}

	/* 2) БД */
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	a.db = d
	a.Store = repo.NewAccountStore(d)
	if sqlDB, err := d.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	/* 3) Интерфейс */
	be, closer, err := newBackend(cfg)
	if err != nil {
		return err
	}
	a.Backend = be
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	/* 4) Домен */
	alloc, err := ipam.New(cfg.VPN.Subnet)
	if err != nil {
		return err
	}
	locks := keylock.New()
	params := amnezia.Params{
		Jc: cfg.Amnezia.Jc, Jmin: cfg.Amnezia.Jmin, Jmax: cfg.Amnezia.Jmax,
		S1: cfg.Amnezia.S1, S2: cfg.Amnezia.S2,
		H1: cfg.Amnezia.H1, H2: cfg.Amnezia.H2, H3: cfg.Amnezia.H3, H4: cfg.Amnezia.H4,
	}
	notifier := notify.New(cfg.Telegram.BotToken, cfg.Telegram.APIURL)

	a.Devices = devices.NewManager(devices.Options{
		Store:       a.Store,
		Backend:     be,
		Allocator:   alloc,
		Params:      params,
		DNS:         cfg.DNSServers(),
		Host:        cfg.VPN.Host,
		Port:        cfg.VPN.Port,
		Description: cfg.VPN.Description,
		Locks:       locks,
	})
	a.Subscriptions = subscription.New(subscription.Options{
		Store:              a.Store,
		Devices:            a.Devices,
		Notifier:           notifier,
		Plans:              subscription.Plans(cfg.Price.OneMonth, cfg.Price.ThreeMonths, cfg.Price.TwelveMonths),
		DefaultQuota:       cfg.Accounts.DeviceQuota,
		ReferralThreshold:  cfg.Referral.Threshold,
		ReferralRewardDays: cfg.Referral.RewardDays,
	})
	a.Reconciler = controller.NewReconciler(controller.Options{
		Store:      a.Store,
		Backend:    be,
		Notifier:   notifier,
		Locks:      locks,
		StuckAfter: cfg.Reconcile.StuckAfter,
	})

	/* 5) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.AccessLog,
	)
	health.RegisterRoutes(a.Router, a.db, be.InterfaceUp)
	api.Attach(a.Router, api.Dependencies{
		Accounts:      a.Store,
		Subscriptions: a.Subscriptions,
		Devices:       a.Devices,
		Reconciler:    a.Reconciler,
		SharedSecret:  cfg.API.SharedSecret,
	})
	if cfg.API.SharedSecret == "" {
		logs.For("server").Warn("api.shared_secret is empty: /api/v1 is unauthenticated")
	}

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.For("server").Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

// newBackend выбирает реализацию по vpn.backend.
func newBackend(cfg *config.Config) (wireguard.Backend, func() error, error) {
	switch cfg.VPN.Backend {
	case "awg":
		return wireguard.NewExecBackend(wireguard.ExecOptions{
			Interface: cfg.VPN.Interface,
			Binary:    cfg.VPN.Binary,
			Timeout:   cfg.VPN.CommandTimeout,
		}), nil, nil
	case "wgctrl":
		b, err := wireguard.NewNetlinkBackend(cfg.VPN.Interface, cfg.VPN.CommandTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("wgctrl: %w", err)
		}
		return b, b.Close, nil
	case "memory":
		logs.For("server").Warn("vpn.backend=memory: peers are not applied to any interface")
		return wireguard.NewMemBackend(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported vpn.backend %q", cfg.VPN.Backend)
	}
}

// Run поднимает HTTP и цикл сверки; завершается по отмене ctx.
func (a *App) Run(ctx context.Context) error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	// Выдача устройства делает несколько вызовов awg подряд, WriteTimeout с запасом
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs.For("server").Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Reconciler.Run(gctx, a.cfg.Reconcile.Interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(sctx); err != nil {
			logs.For("server").Errorf("http shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
