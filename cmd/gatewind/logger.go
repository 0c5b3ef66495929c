package main

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"gatewind/internal/types"
)

func initLogger(cfg types.LoggingConfig) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		config = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build()
}

// initAccessLogger returns the sink for per-request lines: a rotating file
// when a path is configured, the main logger otherwise, nil when access
// logs are off
func initAccessLogger(cfg *types.GatewayConfig, base *zap.Logger) types.Logger {
	if !cfg.Logging.AccessLogs {
		return nil
	}
	if cfg.AccessLog == "" {
		return wrapZapLogger(base.Named("access"))
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.AccessLog,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, zapcore.InfoLevel)
	return wrapZapLogger(zap.New(core))
}

// wrapZapLogger wraps zap.Logger to implement types.Logger
func wrapZapLogger(zap *zap.Logger) types.Logger {
	return &zapLoggerWrapper{zap: zap}
}

type zapLoggerWrapper struct {
	zap *zap.Logger
}

func (z *zapLoggerWrapper) Debug(msg string, fields ...any) {
	z.zap.Debug(msg, z.fieldsToZap(fields)...)
}

func (z *zapLoggerWrapper) Info(msg string, fields ...any) {
	z.zap.Info(msg, z.fieldsToZap(fields)...)
}

func (z *zapLoggerWrapper) Warn(msg string, fields ...any) {
	z.zap.Warn(msg, z.fieldsToZap(fields)...)
}

func (z *zapLoggerWrapper) Error(msg string, fields ...any) {
	z.zap.Error(msg, z.fieldsToZap(fields)...)
}

func (z *zapLoggerWrapper) With(fields ...any) types.Logger {
	return &zapLoggerWrapper{zap: z.zap.With(z.fieldsToZap(fields)...)}
}

func (z *zapLoggerWrapper) fieldsToZap(fields []any) []zap.Field {
	var zapFields []zap.Field
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, ok := fields[i].(string)
			if ok {
				if err, isErr := fields[i+1].(error); isErr {
					zapFields = append(zapFields, zap.NamedError(key, err))
					continue
				}
				zapFields = append(zapFields, zap.Any(key, fields[i+1]))
			}
		}
	}
	return zapFields
}
