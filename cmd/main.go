package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"companion-chat/handler"
	"companion-chat/internal/identity"
	"companion-chat/internal/integrations/paramstore"
	"companion-chat/internal/integrations/replicate"
	"companion-chat/internal/repository"
	"companion-chat/internal/repository/sqlite"
	"companion-chat/internal/usecase"
)

type store interface {
	usecase.TurnStore
	usecase.MemoryStore
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	backend := envString("STORAGE_BACKEND", "dynamodb")
	identitySecret := mustEnv("IDENTITY_SHARED_SECRET")
	staticToken := os.Getenv("REPLICATE_API_TOKEN")
	baseURL := os.Getenv("REPLICATE_BASE_URL")
	listenAddr := os.Getenv("LISTEN_ADDR")
	rateCapacity := envInt("RATE_LIMIT_CAPACITY", 10)
	rateWindow := envSeconds("RATE_LIMIT_WINDOW_SECONDS", 10)

	model := usecase.DefaultModelConfig()
	model.ID = envString("MODEL_ID", model.ID)
	model.MemoryName = envString("MEMORY_MODEL_NAME", model.MemoryName)
	model.Streaming = envBool("INFERENCE_STREAMING", false)

	opts := usecase.Options{
		MaxPromptLen:     envInt("MAX_PROMPT_LENGTH", 2000),
		RecallLimit:      envInt("MEMORY_RECALL_LIMIT", 20),
		InferenceTimeout: envSeconds("INFERENCE_TIMEOUT_SECONDS", 60),
		PersistTimeout:   envSeconds("PERSIST_TIMEOUT_SECONDS", 10),
		Logger:           logger,
	}

	// ---- AWS SDK config, loaded only when something needs it ----
	var awsCfg *aws.Config
	loadAWS := func() aws.Config {
		if awsCfg == nil {
			cfg, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				slog.Error("failed to load AWS config", "err", err)
				os.Exit(1)
			}
			awsCfg = &cfg
		}
		return *awsCfg
	}

	// ---- Storage ----
	var (
		turns   store
		limiter usecase.RateLimiter
	)
	switch backend {
	case "dynamodb":
		stateTable := mustEnv("STATE_TABLE")
		dynamoClient := awsdynamodb.NewFromConfig(loadAWS())
		stateClient, err := repository.New(dynamoClient, stateTable)
		if err != nil {
			slog.Error("failed to create state client", "err", err)
			os.Exit(1)
		}
		rl, err := repository.NewRateLimiter(dynamoClient, stateTable, rateCapacity, rateWindow)
		if err != nil {
			slog.Error("failed to create rate limiter", "err", err)
			os.Exit(1)
		}
		turns, limiter = stateClient, rl
	case "sqlite":
		db, err := sqlite.Open(envString("SQLITE_PATH", "./data/companion.db"))
		if err != nil {
			slog.Error("failed to open sqlite store", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		rl, err := sqlite.NewRateLimiter(db, rateCapacity, rateWindow)
		if err != nil {
			slog.Error("failed to create rate limiter", "err", err)
			os.Exit(1)
		}
		turns, limiter = db, rl
	default:
		slog.Error("unknown storage backend", "backend", backend)
		os.Exit(1)
	}

	// ---- Inference ----
	var (
		tokens     replicate.TokenSource
		tokenParam string
	)
	if staticToken != "" {
		tokens = replicate.StaticToken(staticToken)
	} else {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(loadAWS()))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		tokens = ssmClient
		tokenParam = strings.TrimRight(mustEnv("PARAM_PREFIX"), "/") + "/replicate-token"
	}
	var replicateOpts []replicate.Option
	if baseURL != "" {
		replicateOpts = append(replicateOpts, replicate.WithBaseURL(baseURL))
	}
	replicateClient, err := replicate.NewClient(tokens, tokenParam, replicateOpts...)
	if err != nil {
		slog.Error("failed to create Replicate client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(limiter, turns, turns, replicateClient, model, opts)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	ids, err := identity.NewHeaderProvider(identitySecret)
	if err != nil {
		slog.Error("failed to create identity provider", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(chatService, ids, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if listenAddr == "" {
		lambdaurl.Start(h)
		return
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("listening", "addr", listenAddr, "backend", backend, "model", model.ID, "streaming", model.Streaming)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
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

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
