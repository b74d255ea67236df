// Package devicefactory builds the platform radio and the session controller
// from configuration.
package devicefactory

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/radio/bluez"
	"github.com/srg/blecon/internal/radio/goble"
	"github.com/srg/blecon/internal/session"
	"github.com/srg/blecon/pkg/config"
)

// RadioFactory creates the platform radio.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func(cfg *config.Config, logger *logrus.Logger) (radio.Radio, error) {
	opts := goble.Options{
		Logger:         logger,
		DeviceID:       cfg.Adapter.HCIIndex,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		StartGrace:     cfg.Scan.StartGrace,
		BatchInterval:  cfg.Scan.BatchInterval,
		BatchSize:      cfg.Scan.BatchSize,
		EventBuffer:    cfg.Session.EventBuffer,
	}

	if cfg.Adapter.BluezPower {
		power, err := bluez.NewPowerSwitch(cfg.Adapter.BluezAdapter, logger)
		if err != nil {
			return nil, err
		}
		opts.Power = power
	}

	return goble.New(opts), nil
}

// NewController creates a session controller on top of a fresh platform radio.
// The caller starts it with Run and releases it with Close.
func NewController(cfg *config.Config, logger *logrus.Logger) (*session.Controller, error) {
	r, err := RadioFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	return session.New(r, session.Options{
		Logger:        logger,
		EventBuffer:   cfg.Session.EventBuffer,
		NoticeHistory: cfg.Session.NoticeHistory,
	}), nil
}
