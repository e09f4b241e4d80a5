package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/config"
	"github.com/t77yq/media-cluster/internal/events"
)

const connectAttempts = 5

// bus is the optional NATS side of a node. A zero bus means NATS is disabled.
type bus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	publisher *events.JetStreamPublisher
}

func (b *bus) enabled() bool {
	return b.nc != nil
}

func (b *bus) close(logger *zap.Logger) {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
		b.nc.Close()
	}
}

// connectBus dials NATS with retry when it is enabled
func connectBus(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*bus, error) {
	if !cfg.Enabled {
		logger.Info("NATS disabled, events stay local")
		return &bus{}, nil
	}

	var (
		nc  *nats.Conn
		js  nats.JetStreamContext
		err error
	)
	for i := 0; i < connectAttempts; i++ {
		nc, js, err = events.Connect(cfg.URL, logger)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(i+1)):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, err)
	}

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	publisher, err := events.NewJetStreamPublisher(js, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &bus{nc: nc, js: js, publisher: publisher}, nil
}

// serve runs srv until ctx is done, then shuts it down within timeout.
// beforeShutdown runs once ctx is done and before the listener closes.
func serve(ctx context.Context, srv *http.Server, timeout time.Duration, logger *zap.Logger, beforeShutdown func()) error {
	logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("failed to serve HTTP: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	if beforeShutdown != nil {
		beforeShutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
		return srv.Close()
	}
	return nil
}
