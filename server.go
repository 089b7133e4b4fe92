// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server accepts inbound HTTP connections and hands each request to the
// Forwarder. Close tears everything down immediately; Shutdown drains
// in-flight requests up to ShutdownGrace before forcing the rest closed.
type Server struct {
	Addr          string        // TCP address to listen on, DefaultListenAddr if empty
	Handler       http.Handler  // usually a *Forwarder
	ReadTimeout   time.Duration // reading the request head and body
	WriteTimeout  time.Duration // writing the response
	ShutdownGrace time.Duration // drain budget, DefaultShutdownGrace if zero
	Logger        *zap.Logger   // optional

	mu        sync.Mutex
	hs        *http.Server
	listeners map[net.Listener]struct{}
	doneChan  chan struct{}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted network
// connections so dead clients eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

func (srv *Server) logger() *zap.Logger {
	if srv.Logger == nil {
		return zap.NewNop()
	}
	return srv.Logger
}

// Listen announces on the local network address.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err == nil {
		srv.mu.Lock()
		srv.Addr = ln.Addr().String()
		srv.mu.Unlock()
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	}
	return ln, err
}

func (srv *Server) getListenAddr() string {
	if srv.Addr == "" {
		return DefaultListenAddr
	}
	return srv.Addr
}

// ListenAndServe listens on srv.Addr and serves until Close or Shutdown.
// A bind failure is returned to the caller; it is the one startup error
// that must be fatal to the process.
func (srv *Server) ListenAndServe() error {
	ln, err := srv.Listen(srv.getListenAddr())
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return srv.Serve(ln)
}

// Serve accepts connections on l until the server is closed.
func (srv *Server) Serve(l net.Listener) error {
	srv.mu.Lock()
	select {
	case <-srv.getDoneChanLocked():
		srv.mu.Unlock()
		l.Close()
		return errors.WithStack(gatewayClosedError{})
	default:
	}
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	srv.listeners[l] = struct{}{}
	hs := srv.getServerLocked()
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.listeners, l)
		srv.mu.Unlock()
	}()

	srv.logger().Info("listening", zap.String("addr", l.Addr().String()))
	err := hs.Serve(l)
	if err == http.ErrServerClosed {
		return errors.WithStack(gatewayClosedError{})
	}
	return err
}

func (srv *Server) getServerLocked() *http.Server {
	if srv.hs == nil {
		srv.hs = &http.Server{
			Handler:      srv.Handler,
			ReadTimeout:  srv.ReadTimeout,
			WriteTimeout: srv.WriteTimeout,
		}
	}
	return srv.hs
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Close immediately closes all listeners and active connections.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	hs := srv.hs
	srv.mu.Unlock()
	if hs != nil {
		return hs.Close()
	}
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish, up to ShutdownGrace. Requests still running when the
// grace period expires are forcibly closed and a timeout error returned.
func (srv *Server) Shutdown() error {
	grace := srv.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	hs := srv.hs
	srv.mu.Unlock()
	if hs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		hs.Close()
		srv.logger().Warn("shutdown grace expired, closing remaining connections")
		return errors.WithStack(timeoutError{})
	}
	return nil
}
