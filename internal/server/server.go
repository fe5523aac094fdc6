// Package server accepts IDE connections and hands each one to a fresh
// debug session. The process never exits because a session ended; only
// a listener failure or an external signal stops it.
package server

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/protodap/internal/config"
	"github.com/dshills/protodap/internal/session"
)

// Serve accepts connections on ln until ctx is cancelled or the
// listener fails.
func Serve(ctx context.Context, ln net.Listener, cfg config.Config) error {
	logrus.Infof("waiting for debug protocol at %s", ln.Addr())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	eg.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(err, "accept")
			}
			logrus.WithField("remote", conn.RemoteAddr()).Info("debug session connected")
			go func() {
				defer logrus.WithField("remote", conn.RemoteAddr()).Info("debug session ended")
				if err := session.New(conn, cfg).Run(ctx); err != nil {
					logrus.WithError(err).Warn("session failed")
				}
			}()
		}
	})
	return eg.Wait()
}
