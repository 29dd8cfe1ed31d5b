package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const ALPN = "gitmesh/1"

// selfSignedCert makes a throwaway certificate for one reactor. TLS only
// encrypts the link; who is on the other end is settled by the signed
// gossip handshake that follows.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// clientTLSConfig accepts any certificate: there is no CA, and the peer id
// is verified by the session handshake instead.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// QUICReactor carries one session per QUIC connection, on its first
// bidirectional stream.
type QUICReactor struct {
	*hub
	server *tls.Config
	client *tls.Config
	conf   *quic.Config

	lmu sync.Mutex
	ln  *quic.Listener
}

func NewQUIC(opts Options) (*QUICReactor, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &QUICReactor{
		hub:    newHub(opts),
		server: serverTLSConfig(cert),
		client: clientTLSConfig(),
		conf: &quic.Config{
			MaxIdleTimeout:  2 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
	}, nil
}

func (r *QUICReactor) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, r.server, r.conf)
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
	r.log.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	return nil
}

func (r *QUICReactor) Addr() string {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *QUICReactor) acceptLoop(ln *quic.Listener) {
	for {
		qc, err := ln.Accept(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		r.spawn(func() { r.acceptStream(qc) })
	}
}

// acceptStream waits for the dialer's first stream, which opens with the
// handshake.
func (r *QUICReactor) acceptStream(qc *quic.Conn) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.DialTimeout)
	defer cancel()
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		r.log.Debug("quic accept stream error", zap.String("addr", qc.RemoteAddr().String()), zap.Error(err))
		_ = qc.CloseWithError(1, "no stream")
		return
	}
	r.admit(&quicStream{conn: qc, stream: st}, qc.RemoteAddr().String())
}

func (r *QUICReactor) Dial(addr string) Handle {
	return r.dial(addr, func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		qc, err := quic.DialAddr(ctx, addr, r.client, r.conf)
		if err != nil {
			return nil, err
		}
		st, err := qc.OpenStreamSync(ctx)
		if err != nil {
			_ = qc.CloseWithError(1, "open stream")
			return nil, err
		}
		return &quicStream{conn: qc, stream: st}, nil
	})
}

func (r *QUICReactor) Shutdown() error {
	r.lmu.Lock()
	ln := r.ln
	r.lmu.Unlock()
	if ln == nil {
		return r.shutdown()
	}
	return r.shutdown(ln)
}

type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) Close() error {
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "")
}
