package log

import (
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigureLevelAndFormat(t *testing.T) {
	prevLevel := log.GetLevel()
	prevFormatter := log.StandardLogger().Formatter
	defer func() {
		log.SetLevel(prevLevel)
		log.SetFormatter(prevFormatter)
	}()
	cfg := Config{Format: "json", Level: "debug", File: "-"}
	require.NoError(t, cfg.Configure())
	require.Equal(t, log.DebugLevel, log.GetLevel())
	_, ok := log.StandardLogger().Formatter.(*log.JSONFormatter)
	require.True(t, ok)
}

func TestConfigureInvalidFormat(t *testing.T) {
	cfg := Config{Format: "xml"}
	err := cfg.Configure()
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.InvalidConfiguration))
}

func TestConfigureInvalidLevel(t *testing.T) {
	cfg := Config{Level: "loud"}
	require.Error(t, cfg.Configure())
}

func TestConfigureFile(t *testing.T) {
	prevOut := log.StandardLogger().Out
	defer log.SetOutput(prevOut)
	cfg := Config{File: filepath.Join(t.TempDir(), "blockmgr.log")}
	require.NoError(t, cfg.Configure())
}

func TestZapLoggerFollowsLevel(t *testing.T) {
	prevLevel := log.GetLevel()
	defer log.SetLevel(prevLevel)

	log.SetLevel(log.WarnLevel)
	logger, err := ZapLogger()
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	log.SetLevel(log.TraceLevel)
	logger, err = ZapLogger()
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
