package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPReactor carries one session per TCP connection.
type TCPReactor struct {
	*hub

	lmu sync.Mutex
	ln  net.Listener
}

func NewTCP(opts Options) *TCPReactor {
	return &TCPReactor{hub: newHub(opts)}
}

func (r *TCPReactor) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.lmu.Lock()
	r.ln = ln
	r.lmu.Unlock()
	if !r.spawn(func() { r.acceptLoop(ln) }) {
		_ = ln.Close()
		return ErrShutdown
	}
	r.log.Info("tcp listen ready", zap.String("addr", ln.Addr().String()))
	return nil
}

func (r *TCPReactor) Addr() string {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *TCPReactor) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn("tcp accept error", zap.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-r.ctx.Done():
				return
			}
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		r.admit(c, c.RemoteAddr().String())
	}
}

func (r *TCPReactor) Dial(addr string) Handle {
	return r.dial(addr, func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
}

func (r *TCPReactor) Shutdown() error {
	r.lmu.Lock()
	ln := r.ln
	r.lmu.Unlock()
	if ln == nil {
		return r.shutdown()
	}
	return r.shutdown(ln)
}
