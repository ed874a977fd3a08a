package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sornon/member-sub002/internal/logging"
)

// TLSConfig enables HTTPS on the admin listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether both files are set.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// CertReloader serves the certificate pair from disk and swaps it when the
// files change, so rotated certificates apply without a restart.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	logger   *logging.Logger

	mu      sync.Mutex
	lastMod time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCertReloader loads the pair once and returns a reloader for it.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &CertReloader{certFile: certFile, keyFile: keyFile, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	r.lastMod = r.modTime()
	return r, nil
}

// GetCertificate implements the tls.Config callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("tls: no certificate loaded")
	}
	return cert, nil
}

// Reload reads the pair from disk. The previous certificate stays in use
// when the new one fails to load.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("tls: load %s: %w", r.certFile, err)
	}
	r.cert.Store(&cert)
	r.logger.Infof("tls certificate loaded", map[string]any{"certFile": r.certFile})
	return nil
}

// Watch polls the files every interval and reloads on change until Stop.
func (r *CertReloader) Watch(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	r.stopCh, r.doneCh = stopCh, doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if !r.changed() {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warnf("tls certificate reload failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
}

// Stop ends the watcher started by Watch.
func (r *CertReloader) Stop() {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (r *CertReloader) changed() bool {
	mod := r.modTime()
	r.mu.Lock()
	defer r.mu.Unlock()
	if mod.After(r.lastMod) {
		r.lastMod = mod
		return true
	}
	return false
}

// modTime is the newer of the two files' modification times, or zero if
// either is missing.
func (r *CertReloader) modTime() time.Time {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}
	}
	if keyInfo.ModTime().After(certInfo.ModTime()) {
		return keyInfo.ModTime()
	}
	return certInfo.ModTime()
}

// newTLSListener wraps ln in TLS 1.2+ backed by reloader.
func newTLSListener(ln net.Listener, reloader *CertReloader) net.Listener {
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
}
