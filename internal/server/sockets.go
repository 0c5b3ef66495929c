package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gatewind/internal/types"
)

// portSockets owns the listening sockets of one port. They live as long as
// the port is bound and outlast the pools serving them: a replacement pool
// accepts from the same sockets, so connections waiting in the kernel
// backlog are never reset.
type portSockets struct {
	lns    []net.Listener
	conns  chan net.Conn
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger types.Logger
}

// bindPort opens up to n sockets on addr. Sockets that fail to bind are
// skipped; binding fails only when none could be opened.
func bindPort(ctx context.Context, addr string, n int, logger types.Logger) (*portSockets, error) {
	var (
		mu      sync.Mutex
		lns     []net.Listener
		bindErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			lc := listenConfig()
			ln, err := lc.Listen(gctx, "tcp", addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("Socket failed to bind", "socket", i, "error", err)
				if bindErr == nil {
					bindErr = err
				}
				return nil
			}
			lns = append(lns, ln)
			return nil
		})
	}
	_ = g.Wait()

	if len(lns) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrListenerBind, addr, bindErr)
	}

	p := &portSockets{
		lns:    lns,
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, ln := range lns {
		p.wg.Add(1)
		go p.acceptLoop(ln)
	}
	return p, nil
}

func (p *portSockets) acceptLoop(ln net.Listener) {
	defer p.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			p.logger.Error("Accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		select {
		case p.conns <- conn:
		case <-p.done:
			_ = conn.Close()
			return
		}
	}
}

// listener returns a listener for one worker. Closing it retires the
// worker without touching the shared sockets.
func (p *portSockets) listener() net.Listener {
	return &poolListener{sockets: p, closed: make(chan struct{})}
}

// close shuts the sockets and waits for the accept loops
func (p *portSockets) close() {
	p.once.Do(func() {
		close(p.done)
		for _, ln := range p.lns {
			_ = ln.Close()
		}
	})
	p.wg.Wait()
}

type poolListener struct {
	sockets *portSockets
	once    sync.Once
	closed  chan struct{}
}

func (l *poolListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case <-l.sockets.done:
		return nil, net.ErrClosed
	case conn := <-l.sockets.conns:
		return conn, nil
	}
}

func (l *poolListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *poolListener) Addr() net.Addr {
	return l.sockets.lns[0].Addr()
}
