// Package logging builds the zap.Logger every worker component shares,
// switching between zap's JSON production encoder and its human-
// readable console encoder based on LOG_FORMAT. Grounded on the
// teacher's direct zap.NewProduction() call in cmd/worker/main.go,
// generalized to the text/json switch original_source's
// logging_config.py exposes.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger tagged with the worker's identity. format is
// "json" or "text" (anything else falls back to text).
func New(workerID int, format string) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapcore.InfoLevel)
	logger := zap.New(core).With(zap.Int("worker_id", workerID))
	return logger, nil
}

// Banner prints a human-facing startup banner directly to stdout,
// bypassing the structured logger, matching the teacher's convention
// of keeping operator-facing fanfare separate from log lines
// (original_source's print_banner).
func Banner(title string, info map[string]string, order []string) {
	width := 70
	border := ""
	for i := 0; i < width; i++ {
		border += "="
	}

	fmt.Printf("\n%s\n", border)
	fmt.Printf("  %s\n", title)
	fmt.Printf("%s\n", border)
	for _, key := range order {
		fmt.Printf("  %-28s %s\n", key+":", info[key])
	}
	fmt.Printf("%s\n\n", border)
}
