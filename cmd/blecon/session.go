package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecon/internal/devicefactory"
	"github.com/srg/blecon/internal/groutine"
	"github.com/srg/blecon/internal/session"
	"github.com/srg/blecon/pkg/config"
)

// teardownTimeout bounds the stop-scan, disconnect and power-off sequence on exit.
const teardownTimeout = 10 * time.Second

// newController builds the session controller for a command.
// This is a variable so that it can be overridden in tests.
var newController = devicefactory.NewController

// cliSession is a running session controller owned by one command invocation.
type cliSession struct {
	cfg        *config.Config
	logger     *logrus.Logger
	controller *session.Controller

	cancel context.CancelFunc
	done   chan struct{}
}

// openSession loads the configuration, builds the controller and starts its loop.
// The caller must Close the returned session.
func openSession(cmd *cobra.Command, verboseFlagName string) (*cliSession, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, verboseFlagName)
	if err != nil {
		return nil, err
	}

	c, err := newController(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &cliSession{
		cfg:        cfg,
		logger:     logger,
		controller: c,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	groutine.Go(ctx, "session-loop", func(ctx context.Context) {
		defer close(s.done)
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Session loop stopped")
		}
	})
	return s, nil
}

// Close runs the full teardown and stops the loop.
func (s *cliSession) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.controller.Close(ctx); err != nil {
		s.logger.WithError(err).Warn("Session teardown did not finish")
	}
	s.cancel()
	<-s.done
}
