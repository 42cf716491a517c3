package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/echomesh/discovery"
	"github.com/ryandielhenn/echomesh/internal/config"
	"github.com/ryandielhenn/echomesh/internal/telemetry"
	"github.com/ryandielhenn/echomesh/pkg/ledger"
	"github.com/ryandielhenn/echomesh/pkg/mesh"
	"github.com/ryandielhenn/echomesh/pkg/node"
	"github.com/ryandielhenn/echomesh/pkg/overlay"
	"github.com/ryandielhenn/echomesh/pkg/present"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	level := zap.NewAtomicLevelAt(cfg.LogLevel)
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	log, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, &level); err != nil {
		log.Fatal("node stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger, level *zap.AtomicLevel) error {
	telemetry.SetBuildInfo(version, gitSHA)
	picker := overlay.New(128, overlay.FNV32a)

	// 1. Pick an id and a way to find other nodes
	id := cfg.SelfID
	var resolver mesh.Resolver
	var etcd *discovery.Etcd
	if len(cfg.EtcdEndpoints) > 0 {
		log.Info("creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		etcd = discovery.NewEtcd(cli, log)

		var cancel context.CancelFunc
		if id == "" {
			id, _, cancel, err = etcd.Claim(ctx, cfg.AdvertAddr, cfg.LeaseTTL)
		} else {
			_, cancel, err = etcd.Register(ctx, id, cfg.AdvertAddr, cfg.LeaseTTL)
		}
		if err != nil {
			return err
		}
		// cancelling the keepalive lets the lease, and our entry, expire
		defer cancel()
		resolver = etcd
	} else {
		if id == "" {
			var err error
			if id, err = discovery.NewID(); err != nil {
				return err
			}
		}
		resolver = cfg.Peers
	}
	log = log.With(zap.String("self", id))
	log.Info("registered", zap.String("advertise", cfg.AdvertAddr))

	// 2. Mesh transport and the node on top of it
	tr, err := mesh.ListenTCP(id, cfg.ListenAddr, resolver, log)
	if err != nil {
		return err
	}
	console := present.NewConsole(os.Stdout, id)
	console.DOT = cfg.GraphDOT
	n := node.New(tr, console, log, node.Options{
		Value:    cfg.InitialValue,
		Policy:   cfg.Policy,
		Ledger:   ledger.NewStore(cfg.LedgerBytes, cfg.LedgerTTL),
		Observer: telemetry.WaveObserver{Node: id},
		Level:    level,
	})
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	// 3. Bootstrap: dial a few ring successors
	var dials []string
	if etcd != nil {
		if err := etcd.WatchPeers(ctx, func(peers map[string]string) {
			joined, left := picker.Sync(peers)
			if len(joined)+len(left) > 0 {
				log.Info("peers changed", zap.Strings("joined", joined), zap.Strings("left", left))
			}
		}); err != nil {
			log.Warn("watch peers", zap.Error(err))
		}
		// nodes already up do not dial newcomers, so dial every pick
		dials = picker.Pick(id, cfg.BootstrapDegree)
	} else {
		picker.Replace(cfg.Peers)
		dials = picker.Dials(id, cfg.BootstrapDegree)
	}
	for _, peer := range dials {
		addr, _ := picker.Addr(peer)
		log.Info("bootstrap", zap.String("peer", peer), zap.String("addr", addr))
		if err := n.Connect(ctx, peer); err != nil {
			log.Warn("bootstrap connect", zap.String("peer", peer), zap.Error(err))
		}
	}

	// 4. HTTP API and metrics
	mux := http.NewServeMux()
	n.Routes(mux)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /peers", telemetry.Instrument("peers", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(picker.Nodes())
	})))
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
		}
	}()

	// 5. Console commands from stdin
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if err := n.Execute(ctx, sc.Text()); err != nil {
				log.Warn("command failed", zap.Error(err))
			}
		}
	}()

	fmt.Println("echomesh node", id, "mesh on", tr.Addr(), "http on", cfg.HTTPAddr)

	var loopErr error
	select {
	case <-ctx.Done():
	case loopErr = <-runErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := tr.Close(); err != nil {
		log.Warn("transport close", zap.Error(err))
	}
	if errors.Is(loopErr, context.Canceled) {
		return nil
	}
	return loopErr
}
