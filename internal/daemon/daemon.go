// Package daemon assembles a running node from its home directory and
// configuration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/config"
	"gitmesh/internal/debuglog"
	"gitmesh/internal/discovery"
	"gitmesh/internal/metrics"
	"gitmesh/internal/network"
	"gitmesh/internal/node"
	"gitmesh/internal/pprofutil"
	"gitmesh/internal/service"
	"gitmesh/internal/storage"
)

const discoveryInterval = time.Minute

// Options replace the parts New would build from the config.
type Options struct {
	Logger  *zap.Logger
	Reactor network.Reactor
	Storage storage.Storage
	Metrics *metrics.Metrics
}

type Runner struct {
	Home    string
	Config  config.Config
	Self    *node.Node
	Metrics *metrics.Metrics
	Service *service.Service

	log      *zap.Logger
	reactor  network.Reactor
	book     *addrbook.Book
	registry *discovery.Registry
}

func NewRunner(home string, cfg config.Config, opts Options) (*Runner, error) {
	if home == "" {
		return nil, errors.New("missing home")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		l, err := debuglog.New(cfg.Debug || debuglog.Enabled())
		if err != nil {
			return nil, err
		}
		log = l
	}
	self, err := node.Open(home)
	if err != nil {
		return nil, err
	}
	r := &Runner{Home: home, Config: cfg, Self: self, Metrics: opts.Metrics, log: log}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	if err := r.assemble(opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runner) assemble(opts Options) error {
	cfg := r.Config
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	st := opts.Storage
	if st == nil {
		g, err := storage.NewGit(cfg.StorageRoot(r.Home))
		if err != nil {
			return err
		}
		st = g
	}
	r.reactor = opts.Reactor
	if r.reactor == nil {
		if r.reactor, err = newReactor(cfg, r.log); err != nil {
			return err
		}
	}
	if r.book, err = cfg.OpenAddrBook(r.Home); err != nil {
		return fmt.Errorf("address book: %w", err)
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		r.registry, err = discovery.New(discovery.Options{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix,
			TTL:       cfg.Etcd.LeaseTTL.Duration,
			Logger:    r.log.Named("discovery"),
		})
		if err != nil {
			return err
		}
	}
	r.Service, err = service.New(service.Options{
		Config:  cfg.ServiceConfig(r.Home),
		Key:     r.Self.Key,
		Reactor: r.reactor,
		Storage: st,
		Book:    r.book,
		Policy:  policy,
		Metrics: r.Metrics,
		Logger:  r.log.Named("service"),
	})
	return err
}

func newReactor(cfg config.Config, log *zap.Logger) (network.Reactor, error) {
	opts := network.Options{
		Logger:        log.Named("network"),
		MaxConnsPerIP: cfg.Peers.MaxPerIP,
	}
	if cfg.Transport == config.TransportQUIC {
		return network.NewQUIC(opts)
	}
	return network.NewTCP(opts), nil
}

// Run serves until ctx ends or a component fails. ready receives the bound
// listen address once the service loop is up.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if r == nil || r.Service == nil {
		return errors.New("missing runner")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Service.Run(ctx) })
	if addr := r.Config.MetricsAddr; addr != "" {
		g.Go(func() error { return r.Metrics.Serve(ctx, addr) })
	}
	if opts, ok := pprofutil.FromEnv(); ok {
		g.Go(func() error { return pprofutil.Serve(ctx, opts, r.log) })
	}
	g.Go(func() error {
		// A command round trip means the listener is bound and Start ran.
		if _, err := r.Service.Sessions(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		addr := r.reactor.Addr()
		r.log.Info("node ready",
			zap.String("peer", r.Self.ID.String()),
			zap.String("addr", addr),
			zap.String("transport", r.Config.Transport))
		if ready != nil {
			select {
			case ready <- addr:
			default:
			}
		}
		if r.registry != nil {
			r.discover(ctx, g, addr)
		}
		return nil
	})
	return g.Wait()
}

// discover publishes our address and feeds published peers to the book.
func (r *Runner) discover(ctx context.Context, g *errgroup.Group, bound string) {
	if pub, ok := publicAddr(r.Config.Advertise, bound); ok {
		g.Go(func() error { return r.registry.Register(ctx, r.Self.ID, pub) })
	} else {
		r.log.Warn("no dialable address to publish", zap.String("bound", bound))
	}
	g.Go(func() error {
		t := time.NewTicker(discoveryInterval)
		defer t.Stop()
		for {
			r.pullSeeds(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
}

func (r *Runner) pullSeeds(ctx context.Context) {
	recs, err := r.registry.Records(ctx, r.Self.ID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("read etcd seeds", zap.Error(err))
		}
		return
	}
	addrs := make([]addrbook.Address, 0, len(recs))
	for _, rec := range recs {
		a, err := rec.Address()
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	n, err := r.Service.Learn(ctx, addrs)
	if err != nil {
		return
	}
	r.log.Debug("etcd seeds", zap.Int("records", len(recs)), zap.Int("learned", n))
}

// publicAddr picks the address other nodes should dial: the advertised one
// when set, else the bound one, provided the host is specific.
func publicAddr(advertise, bound string) (string, bool) {
	addr := advertise
	if addr == "" {
		addr = bound
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "0" || host == "" {
		return "", false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return "", false
	}
	return addr, true
}

func (r *Runner) Close() {
	if r.registry != nil {
		_ = r.registry.Close()
	}
	if r.book != nil {
		if err := r.book.Close(); err != nil {
			r.log.Warn("close address book", zap.Error(err))
		}
	}
	_ = r.log.Sync()
}
