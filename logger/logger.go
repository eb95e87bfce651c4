package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Modes accepted by New
const (
	ModeDebug   = "debug"
	ModeRelease = "release"
	ModeSilent  = "silent"
)

const (
	defaultLogDirName    = "logs"
	defaultLogFilename   = "moltpay.log"
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 7
	defaultLogMaxAgeDays = 30
)

// Options configures log output. Level overrides the mode's default level
type Options struct {
	Level      string
	Dir        string
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// L is the global structured logger
var L *zap.Logger

var (
	fallbackOnce sync.Once
	fallbackLog  *zap.Logger
)

// Init builds a logger and installs it globally
func Init(mode string, options Options) *zap.Logger {
	L = New(mode, options)
	zap.ReplaceGlobals(L)
	return L
}

// New builds a logger. Debug mode writes console lines to stderr; release
// mode writes JSON to a rotating file and falls back to stderr when the file
// cannot be opened. Stdout is left to command output and the MCP stdio
// transport
func New(mode string, options Options) *zap.Logger {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == ModeSilent {
		return zap.NewNop()
	}

	level := levelFor(mode, options.Level)
	if mode == ModeDebug {
		return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encoding()), stderr, level), zap.AddCaller())
	}

	sink, err := rotatingFile(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file unavailable, writing to stderr: %v\n", err)
		sink = stderr
	}
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encoding()), sink, level), zap.AddCaller())
}

var stderr = zapcore.Lock(os.Stderr)

// levelFor picks debug for debug mode and info otherwise. A parseable
// override wins
func levelFor(mode, override string) zap.AtomicLevel {
	level := zapcore.InfoLevel
	if mode == ModeDebug {
		level = zapcore.DebugLevel
	}
	if parsed, err := zapcore.ParseLevel(override); override != "" && err == nil {
		level = parsed
	}
	return zap.NewAtomicLevelAt(level)
}

func encoding() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey, enc.MessageKey = "time", "message"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	return enc
}

// Z returns the global logger, or a stderr logger before Init
func Z() *zap.Logger {
	if L != nil {
		return L
	}
	fallbackOnce.Do(func() {
		fallbackLog = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encoding()), stderr, zap.InfoLevel), zap.AddCaller())
	})
	return fallbackLog
}

// S returns the global SugaredLogger
func S() *zap.SugaredLogger { return Z().Sugar() }

// SW returns a SugaredLogger carrying the given fields
func SW(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return S()
	}
	return S().With(kv...)
}

func rotatingFile(options Options) (zapcore.WriteSyncer, error) {
	path, err := logPath(options)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(options.MaxSizeMB, defaultLogMaxSizeMB),
		MaxBackups: positiveOr(options.MaxBackups, defaultLogMaxBackups),
		MaxAge:     positiveOr(options.MaxAgeDays, defaultLogMaxAgeDays),
		Compress:   options.Compress,
	}), nil
}

// logPath resolves the log file, creating its directory, and checks that
// the file can be opened for append. Dir defaults to ./logs
func logPath(options Options) (string, error) {
	dir := strings.TrimSpace(options.Dir)
	if dir == "" {
		dir = defaultLogDirName
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("log dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("log dir: %w", err)
	}

	name := strings.TrimSpace(options.Filename)
	if name == "" {
		name = defaultLogFilename
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("log file: %w", err)
	}
	return path, f.Close()
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
