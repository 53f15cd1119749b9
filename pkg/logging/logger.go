// Package logging backs the module's ILogger with zap, teeing every record
// into the OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"grid_trader/internal/core"
)

// otelScope names the bridge logger inside exported records.
const otelScope = "grid_trader"

// Level is the severity scale config strings parse into.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[string]Level{
	"DEBUG": DebugLevel,
	"INFO":  InfoLevel,
	"WARN":  WarnLevel,
	"ERROR": ErrorLevel,
	"FATAL": FatalLevel,
}

func (l Level) String() string {
	for name, lv := range levelNames {
		if lv == l {
			return name
		}
	}
	return "INFO"
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zap.DebugLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	case FatalLevel:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// ParseLevel converts a config string into a Level, case-insensitively.
func ParseLevel(s string) (Level, error) {
	if lv, ok := levelNames[strings.ToUpper(s)]; ok {
		return lv, nil
	}
	return InfoLevel, fmt.Errorf("invalid log level %q", s)
}

// ZapLogger adapts zap to core.ILogger. Records hit a console core and the
// otelzap bridge core.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a logger at the named level. Unknown level names are
// an error so a typo in config surfaces at startup instead of silently
// changing verbosity.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	lv, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	return newZapLogger(lv), nil
}

// NewLogger builds a logger at the given level. Intended for tests and
// callers that already hold a Level.
func NewLogger(level Level) core.ILogger {
	return newZapLogger(level)
}

func newZapLogger(lv Level) *ZapLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lv.zapLevel(),
	)
	bridge := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(console, bridge), zap.AddCaller(), zap.AddCallerSkip(1)),
	}
}

// pairFields turns variadic key/value arguments into zap fields. Non-string
// keys are stringified; a dangling value is kept under "extra" rather than
// dropped.
func pairFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	if len(kv)%2 == 1 {
		fields = append(fields, zap.Any("extra", kv[len(kv)-1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, pairFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, pairFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, pairFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, pairFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, pairFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes buffered entries. Stdout on some platforms rejects sync;
// callers treat the error as advisory.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
