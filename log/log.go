package log

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains the configuration for the global logger.
type Config struct {
	Format string `help:"Format to write log lines in" enum:"text,json" default:"text"`
	Level  string `help:"Lowest log level that will be emitted" enum:"trace,debug,info,warn,error" default:"info"`
	File   string `help:"File to direct logs to. If left blank, or '-', logs will go to stdout" default:"-"`
}

// Configure the global logger
func (cfg *Config) Configure() error {
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.Create(cfg.File)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetOutput(f)
	}
	if cfg.Level != "" {
		level, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetLevel(level)
	}
	switch cfg.Format {
	case "", "text":
		// default, do nothing
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.NewInvalidConfigurationError("log format must be either text or json")
	}
	return nil
}

// ZapLogger builds the logger used by schedulers. It writes json to stderr at the level of the global logger.
func ZapLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(log.GetLevel()))
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return logger, nil
}

func zapLevel(level log.Level) zapcore.Level {
	switch level {
	case log.TraceLevel, log.DebugLevel:
		return zapcore.DebugLevel
	case log.InfoLevel:
		return zapcore.InfoLevel
	case log.WarnLevel:
		return zapcore.WarnLevel
	case log.ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}
