// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
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
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/driftboard/canvasops/pkg/access"
	"github.com/driftboard/canvasops/pkg/logging"
	"github.com/driftboard/canvasops/services/oplog/engine"
	"github.com/driftboard/canvasops/services/oplog/ratelimit"
	"github.com/driftboard/canvasops/services/oplog/realtime"
	"github.com/driftboard/canvasops/services/oplog/routes"
	"github.com/driftboard/canvasops/services/oplog/security"
	"github.com/driftboard/canvasops/services/oplog/storage/badger"
	"github.com/driftboard/canvasops/services/oplog/store"
	"github.com/driftboard/canvasops/services/oplog/tools"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "driftboard-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("oplog-service")))
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
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	port := os.Getenv("OPLOG_PORT")
	if port == "" {
		port = "12220"
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("OPLOG_LOG_LEVEL")),
		LogDir:  os.Getenv("OPLOG_LOG_DIR"),
		Service: "oplog",
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	dataDir := os.Getenv("OPLOG_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data/oplog"
	}
	dbCfg := badger.DefaultConfig()
	dbCfg.Path = dataDir
	dbCfg.Logger = logger
	db, err := badger.Open(dbCfg)
	if err != nil {
		log.Fatalf("FATAL: could not open the operation log database: %v", err)
	}
	defer db.Close()

	maxDepth := 0
	if raw := os.Getenv("OPLOG_MAX_UNDO_DEPTH"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			maxDepth = parsed
		} else {
			slog.Warn("OPLOG_MAX_UNDO_DEPTH is not a number, using default", "value", raw)
		}
	}
	st, err := store.New(db, store.Config{MaxUndoDepth: maxDepth, Logger: logger})
	if err != nil {
		log.Fatalf("FATAL: could not create the operation store: %v", err)
	}
	defer st.Close()

	hub := realtime.NewHub(0, logger)

	// The synchronizer and the engine reference each other, so the
	// publisher is attached after construction.
	eng := engine.New(st, nil, logger)
	eng.SetPublisher(realtime.NewSynchronizer(eng, hub, logger))

	var auditLogger access.AuditLogger
	if auditPath := os.Getenv("OPLOG_AUDIT_LOG"); auditPath != "" {
		fileAudit, err := access.NewFileAuditLogger(auditPath)
		if err != nil {
			log.Fatalf("FATAL: could not open the audit log: %v", err)
		}
		defer fileAudit.Close()
		auditLogger = fileAudit
	} else {
		slog.Info("OPLOG_AUDIT_LOG not set, audit events are discarded")
		auditLogger = &access.NopAuditLogger{}
	}

	// One limiter serves both the editing endpoints and the gate's
	// per-tool windows.
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	gate, err := security.New(security.Config{
		Limiter:  limiter,
		Roles:    &access.NopRoleResolver{},
		Audit:    auditLogger,
		Recorder: eng,
		Executor: tools.NewRegistry(logger),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("FATAL: could not build the security gate: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("oplog-service"))

	routes.SetupRoutes(router, eng, gate, hub, limiter, &access.NopAuthProvider{})

	log.Println("Starting the oplog server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
