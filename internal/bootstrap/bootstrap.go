// Package bootstrap wires the AWS clients, the generator client and the
// sales service from configuration. Every entry point builds its service
// here.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"sales-agent/internal/config"
	"sales-agent/internal/integrations/openai"
	"sales-agent/internal/integrations/paramstore"
	"sales-agent/internal/repository"
	"sales-agent/internal/session"
	"sales-agent/internal/usecase"
)

// NewService builds a SalesService backed by SSM, the OpenAI-compatible
// generator and, when a state table is configured, DynamoDB.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*usecase.SalesService, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: paramstore: %w", err)
	}

	llm, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.LLMBaseURL),
		openai.WithTimeout(cfg.LLMTimeout),
		openai.WithTemperature(cfg.LLMTemperature),
		openai.WithMaxTokens(cfg.LLMMaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: llm client: %w", err)
	}

	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithLimits(cfg.MaxContextItems, cfg.MaxMessageLength),
	}
	if cfg.Persistent() {
		repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: state repository: %w", err)
		}
		opts = append(opts, usecase.WithStateStore(repo))
		logger.Info("bootstrap: session state persisted", "table", cfg.StateTable)
	} else {
		logger.Info("bootstrap: session state kept in memory")
	}

	svc, err := usecase.NewSalesService(params, llm, session.NewStore(), cfg.ParamPrefix, opts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: sales service: %w", err)
	}
	return svc, nil
}
