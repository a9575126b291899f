// relay-toolhost serves the builtin toolkit over stdin/stdout using the
// newline-delimited JSON protocol. It is launched as a subprocess by the
// compositor's remote mounts.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/toolkit"
)

func main() {
	logger := stderrLogger()
	defer logger.Sync()

	local := provider.NewLocal(logger)
	if err := toolkit.Register(local); err != nil {
		fmt.Fprintln(os.Stderr, "registering tools:", err)
		os.Exit(1)
	}

	if err := provider.ServeHost(context.Background(), local, os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "serve error:", err)
		os.Exit(1)
	}
}

// stderrLogger keeps stdout clean for protocol frames.
func stderrLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
