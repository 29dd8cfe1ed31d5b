// Package discovery publishes this node's dial address in etcd and reads
// the addresses other nodes published there.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/crypto"
)

const (
	DefaultPrefix      = "/gitmesh/nodes/"
	DefaultTTL         = 30 * time.Second
	DefaultDialTimeout = 5 * time.Second
	retryDelay         = 2 * time.Second
)

// Record is one published node.
type Record struct {
	Peer crypto.PeerID
	Addr string
}

// Address is the record as a dialable book entry.
func (r Record) Address() (addrbook.Address, error) {
	a, err := addrbook.ParseAddress(r.Addr)
	if err != nil {
		return a, err
	}
	a.Peer = r.Peer
	a.Source = addrbook.SourceSeed
	return a, nil
}

type Options struct {
	Endpoints []string
	Prefix    string
	TTL       time.Duration
	Logger    *zap.Logger
}

type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func New(opts Options) (*Registry, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("discovery: no etcd endpoints")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: DefaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return newRegistry(cli, opts), nil
}

func newRegistry(cli *clientv3.Client, opts Options) *Registry {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	if opts.TTL < time.Second {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{cli: cli, prefix: opts.Prefix, ttl: opts.TTL, log: opts.Logger}
}

func (r *Registry) Close() error { return r.cli.Close() }

// Key is where id's record lives.
func Key(prefix string, id crypto.PeerID) string {
	return prefix + id.String()
}

// ParseRecord reads one key/value pair under prefix.
func ParseRecord(prefix, key, value string) (Record, error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return Record{}, fmt.Errorf("key %q outside %q", key, prefix)
	}
	id, err := crypto.ParsePeerID(rest)
	if err != nil {
		return Record{}, fmt.Errorf("key %q: %w", key, err)
	}
	if _, err := addrbook.ParseAddress(value); err != nil {
		return Record{}, err
	}
	return Record{Peer: id, Addr: value}, nil
}

// Register keeps id's record alive until ctx ends, granting a new lease
// whenever keepalives stop. The record goes away with the lease.
func (r *Registry) Register(ctx context.Context, id crypto.PeerID, addr string) error {
	key := Key(r.prefix, id)
	for {
		err := r.registerOnce(ctx, key, addr)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("etcd registration lost", zap.String("key", key), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func (r *Registry) registerOnce(ctx context.Context, key, addr string) error {
	lease, err := r.cli.Grant(ctx, int64(r.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	if _, err := r.cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	alive, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	r.log.Info("registered in etcd", zap.String("key", key), zap.String("addr", addr))
	for range alive {
	}
	if ctx.Err() != nil {
		revokeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = r.cli.Revoke(revokeCtx, lease.ID)
		return ctx.Err()
	}
	return errors.New("keepalive channel closed")
}

// Records lists every published node except self, ordered by peer id.
// Malformed records are skipped.
func (r *Registry) Records(ctx context.Context, self crypto.PeerID) ([]Record, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", r.prefix, err)
	}
	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := ParseRecord(r.prefix, string(kv.Key), string(kv.Value))
		if err != nil {
			r.log.Debug("skip etcd record", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		if rec.Peer == self {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.Less(out[j].Peer) })
	return out, nil
}
