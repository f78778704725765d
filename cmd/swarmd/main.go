package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/api"
	"github.com/VanDung-dev/HieraChain-Swarm/config"
	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
	"github.com/VanDung-dev/HieraChain-Swarm/storage"
	"github.com/VanDung-dev/HieraChain-Swarm/swarm"
)

const statsInterval = 5 * time.Second

// binding is the transport of the agent together with its lifecycle.
type binding struct {
	transport network.Transport
	attach    func(network.MessageHandler)
	start     func() error
	stop      func()
	peers     func() int
}

func newZMQBinding(cfg config.Config) *binding {
	ns := network.NewNetworkService(cfg.NetworkService())
	return &binding{
		transport: ns,
		attach:    ns.SetMessageHandler,
		start:     ns.Start,
		stop:      ns.Stop,
		peers:     func() int { return ns.GetStatus().PeerCount },
	}
}

// newHubBinding runs a single agent on an in-process hub.
func newHubBinding(cfg config.Config) *binding {
	hub := network.NewHub(network.DefaultHubConfig())
	return &binding{
		transport: hub,
		attach:    func(h network.MessageHandler) { hub.Join(cfg.Node.SwarmID, cfg.Node.ID, h) },
		start:     func() error { return nil },
		stop:      hub.Close,
		peers: func() int {
			ids, _ := hub.Participants(context.Background(), cfg.Node.SwarmID)
			return len(ids)
		},
	}
}

func provideBinding(cfg config.Config) *binding {
	if cfg.Network.Transport == config.TransportHub {
		return newHubBinding(cfg)
	}
	return newZMQBinding(cfg)
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func provideMetrics(reg *prometheus.Registry) *api.Metrics {
	return api.NewMetrics("swarm", reg)
}

func provideStore(cfg config.Config) (storage.Store, error) {
	return storage.Open(cfg.Storage)
}

func provideAgent(cfg config.Config, b *binding, store storage.Store, metrics *api.Metrics) (*swarm.Agent, error) {
	agentCfg := swarm.DefaultConfig(cfg.Node.ID)
	agentCfg.Consensus = cfg.Consensus
	agentCfg.Sync = cfg.Sync

	agent, err := swarm.NewAgent(agentCfg, b.transport, store,
		swarm.WithConsensusObserver(metrics),
		swarm.WithSyncObserver(metrics),
	)
	if err != nil {
		return nil, err
	}
	b.attach(agent.HandleMessage)
	return agent, nil
}

type daemon struct {
	dig.In

	Config   config.Config
	Binding  *binding
	Agent    *swarm.Agent
	Metrics  *api.Metrics
	Registry *prometheus.Registry
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	catchUp := flag.String("catch-up", "", "Delta endpoint of a peer to catch up from at startup")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("HieraChain-Swarm v%s\n", api.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitGlobalLogger(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger("swarmd").Named(cfg.Node.ID)

	container := dig.New()
	providers := []interface{}{
		func() config.Config { return cfg },
		provideBinding,
		provideRegistry,
		provideMetrics,
		provideStore,
		provideAgent,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			log.Fatalf("Failed to provide dependency: %v", err)
		}
	}

	if err := container.Invoke(func(d daemon) error {
		return run(d, *catchUp, log)
	}); err != nil {
		log.Fatalf("swarmd failed: %v", err)
	}
}

func run(d daemon, catchUpFrom string, log *zap.SugaredLogger) error {
	defer func() {
		if err := d.Agent.Close(); err != nil {
			log.Warnf("closing store: %v", err)
		}
	}()

	if err := d.Binding.start(); err != nil {
		return err
	}
	defer d.Binding.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if catchUpFrom != "" {
		catchUp(ctx, d, catchUpFrom, log)
	}

	var grpcServer *api.Server
	if d.Config.API.GRPCAddress != "" {
		serverCfg := api.DefaultServerConfig()
		serverCfg.Address = d.Config.API.GRPCAddress
		serverCfg.AuthToken = d.Config.API.AuthToken
		grpcServer = api.NewServer(d.Agent, d.Metrics, serverCfg)
		if err := grpcServer.StartAsync(); err != nil {
			return err
		}
		defer grpcServer.Stop()
	}

	if d.Config.API.DeltaAddress != "" {
		deltaServer := api.NewDeltaServer(d.Agent)
		if err := deltaServer.StartAsync(d.Config.API.DeltaAddress); err != nil {
			return err
		}
		defer deltaServer.Stop()
	}

	if d.Config.API.MetricsAddress != "" {
		metricsServer := api.NewMetricsServer(d.Config.API.MetricsAddress, d.Registry)
		metricsServer.StartAsync()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				log.Warnf("stopping metrics server: %v", err)
			}
		}()
	}

	go reportStats(ctx, d)

	log.Infof("agent %s serving swarm %s over %s", d.Config.Node.ID, d.Config.Node.SwarmID, d.Config.Network.Transport)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agent...")
	return nil
}

func catchUp(ctx context.Context, d daemon, address string, log *zap.SugaredLogger) {
	swarmID := d.Config.Node.SwarmID

	marks, err := d.Agent.Watermarks(ctx, swarmID)
	if err != nil {
		log.Warnf("reading watermarks: %v", err)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	versions, err := api.FetchDeltaWatermarks(fetchCtx, address, swarmID, marks)
	if err != nil {
		log.Warnf("catch-up from %s failed: %v", address, err)
		return
	}
	applied, err := d.Agent.CatchUp(ctx, swarmID, versions)
	if err != nil {
		log.Warnf("catch-up from %s stopped after %d versions: %v", address, applied, err)
		return
	}
	log.Infof("caught up %d/%d versions over %d known keys from %s", applied, len(versions), len(marks), address)
}

func reportStats(ctx context.Context, d daemon) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Metrics.UpdatePending(d.Agent.GetStats().Pending)
			d.Metrics.UpdatePeers(d.Binding.peers())
		}
	}
}
