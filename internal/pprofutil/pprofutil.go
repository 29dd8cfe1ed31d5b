// Package pprofutil serves the runtime profiler when GITMESH_PPROF=1.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	EnvEnable      = "GITMESH_PPROF"
	EnvAddr        = "GITMESH_PPROF_ADDR"
	EnvAllowPublic = "GITMESH_PPROF_ALLOW_PUBLIC"
	DefaultAddr    = "127.0.0.1:6060"
)

var ErrPublicBind = errors.New("pprof address must be loopback")

type Options struct {
	Addr        string
	AllowPublic bool
}

// FromEnv reports whether profiling is enabled and with which options.
func FromEnv() (Options, bool) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return Options{}, false
	}
	opts := Options{
		Addr:        strings.TrimSpace(os.Getenv(EnvAddr)),
		AllowPublic: strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1",
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	return opts, true
}

// Handler mounts the profiler endpoints on a private mux.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve listens on opts.Addr and serves until ctx ends. The bound address
// is logged once listening.
func Serve(ctx context.Context, opts Options, log *zap.Logger) error {
	if !opts.AllowPublic && !isLoopbackBind(opts.Addr) {
		return fmt.Errorf("%w unless %s=1: %s", ErrPublicBind, EnvAllowPublic, opts.Addr)
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("pprof listen: %w", err)
	}
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("pprof enabled", zap.String("url", "http://"+ln.Addr().String()+"/debug/pprof/"))
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
