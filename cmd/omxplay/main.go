// Command omxplay runs component graphs described in YAML.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/trace"
)

func main() {
	godotenv.Load()
	setupLogging()

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		logrus.WithError(err).Warn("tracing disabled")
	}
	defer trace.Shutdown(ctx)

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
