// Package logger provides the zap logging setup shared by gojotx binaries.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Database is attached to every entry as the "database" field.
	Database string `yaml:"database"`
}

// DefaultConfig logs info and above as JSON to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stdout"}
}

// New creates a new zap.Logger based on the provided configuration.
// The returned level can be changed while the process runs.
func New(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	// Parse the level; anything unknown falls back to "info".
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	// Resolve where entries are written.
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, logLevel, err
	}

	// The core ties the encoder, writer and level together.
	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	// Every entry carries the service name, and the database when known.
	fields := []zap.Field{zap.String("service", "gojotx")}
	if config.Database != "" {
		fields = append(fields, zap.String("database", config.Database))
	}
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).
		WithOptions(zap.Fields(fields...))

	return logger, logLevel, nil
}

// getEncoder picks the entry format.
func getEncoder(format string) zapcore.Encoder {
	// Production keys with readable timestamps and upper-case levels.
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// JSON unless a human-friendly console output was asked for.
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer opens the log destination.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// Appends to an existing file.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
