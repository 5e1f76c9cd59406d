package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hlld/internal/config"
	"github.com/calvinalkan/hlld/internal/logging"
)

func Test_New_BuildsLoggerForEachRecognisedLevel(t *testing.T) {
	t.Parallel()

	for _, lvl := range []config.LogLevel{
		config.LogDebug, config.LogInfo, config.LogWarn, config.LogError, config.LogCritical,
	} {
		logger, err := logging.New(lvl)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func Test_New_RejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := logging.New(config.LogLevel("TRACE"))
	require.Error(t, err)
}
