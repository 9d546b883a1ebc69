package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsbedrockagent "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"corex-gateway/handler"
	"corex-gateway/internal/integrations/bedrockagent"
	"corex-gateway/internal/integrations/bedrockmodel"
	"corex-gateway/internal/integrations/paramstore"
	"corex-gateway/internal/repository"
	"corex-gateway/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	historyTable := mustEnv("HISTORY_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	contextTurns := envInt("CONTEXT_TURNS", 6)
	allowedOrigins := strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Backend references (resolved once; missing values are fatal) ----
	params, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create paramstore client", "err", err)
		os.Exit(1)
	}
	agentID := mustParam(ctx, params, paramPrefix+"/config/agent_id")
	agentAliasID := mustParam(ctx, params, paramPrefix+"/config/agent_alias_id")
	modelID := mustParam(ctx, params, paramPrefix+"/config/model_id")

	// ---- Clients ----
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), historyTable)
	if err != nil {
		slog.Error("failed to create conversation store", "err", err)
		os.Exit(1)
	}
	agentClient, err := bedrockagent.New(awsbedrockagent.NewFromConfig(cfg), agentID, agentAliasID)
	if err != nil {
		slog.Error("failed to create agent client", "err", err)
		os.Exit(1)
	}
	modelClient, err := bedrockmodel.New(awsbedrock.NewFromConfig(cfg), modelID)
	if err != nil {
		slog.Error("failed to create model client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(agentClient, modelClient, store, contextTurns, slog.Default())
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(chatService, allowedOrigins)
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

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustParam(ctx context.Context, params *paramstore.Client, name string) string {
	v, err := params.RequireParameter(ctx, name)
	if err != nil {
		slog.Error("required parameter is not available", "name", name, "err", err)
		os.Exit(1)
	}
	return v
}
