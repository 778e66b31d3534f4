package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-agent/handler"
	"chat-agent/internal/config"
	"chat-agent/internal/integrations/openai"
	"chat-agent/internal/repository"
	"chat-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load(ctx, awsssm.NewFromConfig(awsCfg), paramPrefix)
	if err != nil {
		slog.Error("failed to load service config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), stateTable)
	if err != nil {
		slog.Error("failed to create conversation store", "err", err)
		os.Exit(1)
	}

	llm, err := openai.NewClient(cfg.APIKey, openai.WithBaseURL(cfg.BaseURL))
	if err != nil {
		slog.Error("failed to create completion client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	service, err := usecase.NewChatService(cfg, llm, store)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(service)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
