// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/finsightai/finsight/pkg/logging"
	"github.com/finsightai/finsight/services/assistant/agents"
	"github.com/finsightai/finsight/services/assistant/cancel"
	"github.com/finsightai/finsight/services/assistant/conversation"
	"github.com/finsightai/finsight/services/assistant/datatypes"
	"github.com/finsightai/finsight/services/assistant/handlers"
	"github.com/finsightai/finsight/services/assistant/observability"
	"github.com/finsightai/finsight/services/assistant/routes"
	"github.com/finsightai/finsight/services/assistant/stream"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "finsight-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("assistant-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancelShutdown := context.WithTimeout(ctx, time.Second*5)
		defer cancelShutdown()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildExecutors wires one executor per query mode.
//
// Fast queries go through langchaingo so local and hosted backends stay
// swappable via OPENAI_API_BASE. Deep and summarize queries use the
// OpenAI client directly for usage accounting on the final chunk.
func buildExecutors() (map[datatypes.QueryMode]agents.Executor, error) {
	fastModel := os.Getenv("FINSIGHT_FAST_MODEL")
	if fastModel == "" {
		fastModel = "gpt-4o-mini"
	}
	fastLLM, err := lcopenai.New(lcopenai.WithModel(fastModel))
	if err != nil {
		return nil, err
	}

	deep, err := agents.NewOpenAIExecutor()
	if err != nil {
		return nil, err
	}

	return map[datatypes.QueryMode]agents.Executor{
		datatypes.ModeFast:      agents.NewLangChainExecutor(fastLLM, fastModel),
		datatypes.ModeDeep:      deep,
		datatypes.ModeSummarize: deep,
	}, nil
}

func main() {
	port := os.Getenv("ASSISTANT_PORT")
	if port == "" {
		port = "12310"
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "assistant",
		JSON:    true,
		LogDir:  os.Getenv("FINSIGHT_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	if ok, limitKB := stream.IsMlockAvailable(); !ok {
		slog.Warn("mlock limit too low for secure response buffers",
			"limit_kb", limitKB,
			"hint", "raise RLIMIT_MEMLOCK or set FINSIGHT_INSECURE_MEMORY=true")
	}

	// --- Mongo transcript store ---
	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	mongoClient, err := conversation.Connect(context.Background(), mongoURI)
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancelDisconnect := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDisconnect()
		if err := mongoClient.Disconnect(ctx); err != nil {
			slog.Error("mongo disconnect failed", "error", err)
		}
	}()

	database := os.Getenv("MONGO_DATABASE")
	if database == "" {
		database = "finsight"
	}
	store, err := conversation.New(conversation.Options{
		Client:   mongoClient,
		Database: database,
	})
	if err != nil {
		log.Fatalf("failed to initialize the transcript store: %v", err)
	}

	// --- Redis stop signals ---
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	kv, err := cancel.NewRedisKV(context.Background(), redisAddr,
		os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer kv.Close()
	signals := cancel.NewSignals(kv, cancel.DefaultSignalTTL)

	executors, err := buildExecutors()
	if err != nil {
		log.Fatalf("failed to initialize executors: %v", err)
	}

	queryHandler := handlers.NewQueryStreamHandler(
		executors,
		store,
		signals,
		stream.NewRegistry(),
		metrics,
		stream.DriverConfig{Pricing: stream.DefaultPricingTable()},
	)
	sessionHandler := handlers.NewSessionHandler(store)
	healthHandler := handlers.NewHealthHandler(store, kv)

	router := gin.Default()
	router.Use(otelgin.Middleware("assistant-service"))

	routes.SetupRoutes(router, queryHandler, sessionHandler, healthHandler)
	log.Println("started up the container")

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Println("Starting the assistant server on port ", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Block until SIGINT/SIGTERM, then drain in-flight streams before
	// wiping secure buffers.
	stopCtx, stopNotify := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stopNotify()
	<-stopCtx.Done()

	slog.Info("shutdown signal received, draining")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	stream.PurgeAllSecureMemory()
}
