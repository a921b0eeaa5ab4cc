package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"WMS Filters"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	return tls.X509KeyPair(certPEM, keyPEM)
}

type listener struct {
	server *http.Server
	ln     net.Listener
	tls    bool
}

// Servers serves one handler over HTTP and, optionally, over HTTPS with a
// self-signed certificate.
type Servers struct {
	logger    *logrus.Logger
	listeners []listener
}

// Listen binds the addresses. An empty tlsAddr disables HTTPS.
func Listen(logger *logrus.Logger, handler http.Handler, addr, tlsAddr string) (*Servers, error) {
	s := &Servers{logger: logger}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listeners = append(s.listeners, listener{server: newServer(handler), ln: ln})

	if tlsAddr != "" {
		cert, err := generateSelfSignedCert()
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		tln, err := net.Listen("tcp", tlsAddr)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to listen on %s: %w", tlsAddr, err)
		}
		srv := newServer(handler)
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		s.listeners = append(s.listeners, listener{server: srv, ln: tln, tls: true})
	}
	return s, nil
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// Addrs returns the bound addresses, plain HTTP first.
func (s *Servers) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.ln.Addr())
	}
	return addrs
}

func (s *Servers) close() {
	for _, l := range s.listeners {
		l.ln.Close()
	}
}

// Serve serves until ctx is done, then shuts the servers down gracefully.
func (s *Servers) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range s.listeners {
		log := s.logger.WithFields(logrus.Fields{
			"addr": l.ln.Addr().String(),
			"tls":  l.tls,
		})
		g.Go(func() error {
			log.Info("Starting server")
			var err error
			if l.tls {
				err = l.server.ServeTLS(l.ln, "", "")
			} else {
				err = l.server.Serve(l.ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Server failed")
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := l.server.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Server shutdown error")
				return err
			}
			log.Info("Server stopped")
			return nil
		})
	}
	return g.Wait()
}
