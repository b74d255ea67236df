//go:build test

package devicefactory_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecon/internal/devicefactory"
	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/testutils"
	"github.com/srg/blecon/pkg/config"
)

func TestNewControllerUsesRadioFactory(t *testing.T) {
	// GOAL: Verify NewController wires the configured radio into a working session
	//
	// TEST SCENARIO: override RadioFactory with a fake → NewController → Run → PowerOn reaches the fake

	original := devicefactory.RadioFactory
	defer func() { devicefactory.RadioFactory = original }()

	fake := testutils.NewFakeRadio()
	var gotCfg *config.Config
	devicefactory.RadioFactory = func(cfg *config.Config, _ *logrus.Logger) (radio.Radio, error) {
		gotCfg = cfg
		return fake, nil
	}

	cfg := config.DefaultConfig()
	c, err := devicefactory.NewController(cfg, testutils.NewTestHelper(t).Logger)
	require.NoError(t, err)
	assert.Same(t, cfg, gotCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, c.PowerOn(ctx))
	fake.AssertCalled(t, "PowerOn", mock.Anything)
	require.NoError(t, c.Close(ctx))
}
