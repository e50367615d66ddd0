package app

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/pkg"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/services/kitchen/internal/auth"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/events"
	"github.com/appetiteclub/kds/services/kitchen/internal/journal"
	"github.com/appetiteclub/kds/services/kitchen/internal/kitchen"
	"github.com/appetiteclub/kds/services/kitchen/internal/memory"
	"github.com/appetiteclub/kds/services/kitchen/internal/mongo"
	"github.com/appetiteclub/kds/services/kitchen/internal/reconcile"
	"github.com/appetiteclub/kds/services/kitchen/internal/relay"
	"github.com/appetiteclub/kds/services/kitchen/internal/routing"
	"github.com/appetiteclub/kds/services/kitchen/internal/stream"
	"github.com/aquamarinepk/aqm"
	aqmevents "github.com/aquamarinepk/aqm/events"
	"github.com/aquamarinepk/aqm/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

const (
	AppName    = "kitchen"
	AppVersion = "0.2.0"
)

// App wires the ticket store, the event bus and the display transports.
type App struct {
	config   *aqm.Config
	logger   aqm.Logger
	settings Settings
	registry *prometheus.Registry
	micro    *aqm.Micro
}

func New(config *aqm.Config, logger aqm.Logger) (*App, error) {
	settings, err := LoadSettings(config)
	if err != nil {
		return nil, fmt.Errorf("cannot load settings: %w", err)
	}
	return &App{
		config:   config,
		logger:   logger,
		settings: settings,
		registry: prometheus.NewRegistry(),
	}, nil
}

// Initialize builds every component. Nothing connects to the outside until
// Run starts the lifecycles.
func (a *App) Initialize(ctx context.Context) error {
	s := a.settings
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var lifecycles []interface{}

	var repo kitchen.TicketRepository
	var mrepo *mongo.TicketRepo
	switch s.DBDriver {
	case "memory":
		a.logger.Info("using in-memory ticket repository, tickets are lost on restart")
		repo = memory.NewTicketRepo()
	default:
		mrepo = mongo.NewTicketRepo(a.config, a.logger)
		repo = mrepo
		lifecycles = append(lifecycles, mrepo)
	}

	cache := kitchen.NewStateCache(repo, a.logger)
	cache.RetainServed(s.ServedRetention)
	lifecycles = append(lifecycles, aqm.LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			if err := cache.Warm(ctx); err != nil {
				return fmt.Errorf("cannot warm ticket cache: %w", err)
			}
			return nil
		},
	})

	catalog := routing.NewStaticCatalog(nil)
	if s.CatalogFile != "" {
		var err error
		catalog, err = routing.LoadCatalogFile(s.CatalogFile)
		if err != nil {
			return err
		}
	}
	router := routing.NewRouter(catalog, routing.Options{
		DefaultStation: s.DefaultStation,
		Roles:          s.RoleRoutes,
		Registerer:     a.registry,
	}, a.logger)

	busCfg := s.Bus
	busCfg.Registerer = a.registry
	busOpts := []bus.Option{bus.WithProjection(cache)}

	var jrn *journal.Journal
	if s.JournalPath != "" {
		var err error
		jrn, err = journal.Open(s.JournalPath, journal.Config{Retention: busCfg.Retention.Events}, a.logger)
		if err != nil {
			return err
		}
		busOpts = append(busOpts, bus.WithSink(jrn), bus.WithReserver(jrn))
	} else {
		a.logger.Info("bus journal disabled, sequences restart at 1 and displays snapshot after a restart")
	}
	eventBus := bus.New(busCfg, a.logger, busOpts...)

	service := kitchen.NewService(repo, router, eventBus, a.logger,
		kitchen.WithWorkflow(kitchen.Workflow{FastPath: s.FastPath}),
		kitchen.WithCacheRepair(cache))

	reconciler := reconcile.NewService(eventBus, cache, reconcile.Config{
		Timeout:    s.ReconcileTimeout,
		Registerer: a.registry,
	}, a.logger)

	authenticator := auth.NewAuthenticator(s.JWTSecret, a.logger)
	opener := stream.NewOpener(authenticator, reconciler, s.Keepalive, a.logger)
	streamHandler := stream.NewHandler(opener, reconciler, authenticator, a.logger)
	grpcServer := stream.NewGRPCServer(opener, a.logger)

	handler := kitchen.NewHandler(kitchen.HandlerDeps{
		Service: service,
		Cache:   cache,
		Metrics: a.registry,
	}, a.config, a.logger)

	p := &pipeline{bus: eventBus, journal: jrn, logger: a.logger}
	if err := a.wireNATS(ctx, p, eventBus, service); err != nil {
		return err
	}
	lifecycles = append(lifecycles, p)
	lifecycles = append(lifecycles, kitchen.NewPruner(cache, eventBus, s.PruneInterval, a.logger))
	lifecycles = append(lifecycles, aqm.LifecycleHooks{
		OnStart: func(ctx context.Context) error {
			var db *mongodriver.Database
			if mrepo != nil {
				db = mrepo.GetDatabase()
			}
			if err := kitchen.ApplyDemoSeeds(ctx, a.config, service, db, a.logger); err != nil {
				a.logger.Errorf("Demo seeding failed (non-fatal): %v", err)
			}
			return nil
		},
	})

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger: a.logger,
	})

	options := []aqm.Option{
		aqm.WithConfig(a.config),
		aqm.WithLogger(a.logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler, streamHandler),
		aqm.WithGRPCServerModules("grpc.port", grpcServer),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(AppName),
	}

	a.micro = aqm.NewMicro(options...)
	return nil
}

// wireNATS adds the outbound relay and the inbound order feed when a NATS
// server is configured.
func (a *App) wireNATS(ctx context.Context, p *pipeline, eventBus *bus.Bus, service *kitchen.Service) error {
	s := a.settings
	if s.NATSURL == "" {
		a.logger.Info("nats disabled, no relay and no inbound orders")
		return nil
	}

	var publisher aqmevents.Publisher
	if s.NATSStream {
		js, err := pkg.NewNATSStream(ctx, pkg.NATSStreamConfig{
			URL:        s.NATSURL,
			StreamName: "KITCHEN_EVENTS",
			Subjects:   event.KitchenTicketsTopic + ".>",
			ConnName:   AppName + "-relay",
			MaxAge:     24 * time.Hour,
		})
		if err != nil {
			return err
		}
		publisher = js
		p.closers = append(p.closers, js)
		a.logger.Info("relaying through JetStream", "stream", "KITCHEN_EVENTS")
	} else {
		np, err := pkg.NewNATSPublisher(s.NATSURL, AppName+"-relay")
		if err != nil {
			return err
		}
		publisher = np
		p.closers = append(p.closers, np)
	}

	subscriber, err := pkg.NewNATSSubscriber(s.NATSURL, AppName, a.logger)
	if err != nil {
		return err
	}
	p.closers = append(p.closers, subscriber)

	if len(s.RelayBranches) == 0 {
		a.logger.Info("relay.branches is empty, nothing is relayed")
	}
	p.consumers = append(p.consumers,
		relay.New(eventBus, publisher, relay.Config{Branches: s.RelayBranches, Registerer: a.registry}, a.logger),
		events.NewOrderSubscriber(subscriber, service, a.logger),
	)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}
