package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"gatewind/internal/proxy"
	"gatewind/internal/state"
	"gatewind/internal/types"
)

// worker is one listener of a pool. It serves until its stop signal is
// sent, drains, then acknowledges.
type worker struct {
	id     int
	port   int
	ln     net.Listener
	signal *state.StopSignal
	grace  time.Duration
	logger types.Logger

	// exactly one of srv and tcp is set
	srv *http.Server
	tcp *proxy.TCPProxy
}

// newHTTPServer builds the http.Server for an HTTP-family service type
func newHTTPServer(kind state.ServiceType, handler http.Handler, tlsConfig *tls.Config, cfg types.ListenerConfig) (*http.Server, error) {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
	}

	h2s := &http2.Server{
		MaxConcurrentStreams: 250,
		MaxReadFrameSize:     1 << 20, // 1MB
		IdleTimeout:          cfg.IdleTimeout,
	}

	switch kind {
	case state.Http:
	case state.Https:
		// An empty non-nil map keeps net/http from negotiating h2
		srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	case state.Http2:
		srv.Handler = h2c.NewHandler(handler, h2s)
	case state.Http2Tls:
		if err := http2.ConfigureServer(srv, h2s); err != nil {
			return nil, err
		}
	default:
		return nil, types.ValidationError{Field: "service_config.server_type", Message: "not an http service type: " + string(kind)}
	}
	return srv, nil
}

// run serves until stopped and must be called in its own goroutine
func (w *worker) run() {
	if w.srv != nil {
		w.runHTTP()
	} else {
		w.runTCP()
	}
}

func (w *worker) runHTTP() {
	served := make(chan error, 1)
	go func() {
		if w.srv.TLSConfig != nil {
			served <- w.srv.ServeTLS(w.ln, "", "")
			return
		}
		served <- w.srv.Serve(w.ln)
	}()

	select {
	case err := <-served:
		// The listener died underneath us; keep the signal contract.
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("Listener worker stopped", "worker", w.id, "error", err)
		}
		<-w.signal.Stopping()
	case <-w.signal.Stopping():
		ctx, cancel := context.WithTimeout(context.Background(), w.grace)
		if err := w.srv.Shutdown(ctx); err != nil {
			w.logger.Warn("Drain timed out, closing connections", "worker", w.id, "error", err)
			_ = w.srv.Close()
		}
		cancel()
		<-served
	}

	w.logger.Debug("Listener worker stopped", "worker", w.id)
	w.signal.Ack()
}

func (w *worker) runTCP() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var conns sync.WaitGroup
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		for {
			conn, err := w.ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					w.logger.Error("Accept failed", "worker", w.id, "error", err)
				}
				return
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				w.tcp.Handle(ctx, conn)
			}()
		}
	}()

	<-w.signal.Stopping()
	_ = w.ln.Close()
	<-accepted

	drained := make(chan struct{})
	go func() {
		conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(w.grace):
		w.logger.Warn("Drain timed out, closing connections", "worker", w.id)
		cancel()
		<-drained
	}

	w.logger.Debug("Listener worker stopped", "worker", w.id)
	w.signal.Ack()
}
