// Command stream serves streamed replies through a Lambda Function URL
// configured with the RESPONSE_STREAM invoke mode.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"sales-agent/handler"
	"sales-agent/internal/bootstrap"
	"sales-agent/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	svc, err := bootstrap.NewService(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to build sales service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewStreamHandler(svc, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create stream handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
