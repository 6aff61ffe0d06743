// Command sweeper runs the stale-pending sweep on a schedule: as a Lambda
// triggered by a scheduled event, or locally on a ticker with RUN_LOCAL=true.
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobily-enterprises/billingkit/internal/awsx"
	"github.com/mobily-enterprises/billingkit/internal/guardrail"
	"github.com/mobily-enterprises/billingkit/internal/idempotency"
	"github.com/mobily-enterprises/billingkit/internal/postgres"
)

func main() {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("failed to open database pool: %v", err)
	}
	store := postgres.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	clients, err := awsx.NewClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}
	sink := guardrail.NewCloudWatchSink(clients.CloudWatch, metricNamespace())

	var notifier idempotency.ReconciliationNotifier
	if queueURL := os.Getenv("RECONCILE_QUEUE_URL"); queueURL != "" {
		notifier = awsx.NewPublisher(clients.SQS, queueURL)
	}

	cfg := idempotency.Config{
		OperationKeySecret:           os.Getenv("OPERATION_KEY_SECRET"),
		ProviderIdempotencyKeySecret: os.Getenv("PROVIDER_IDEMPOTENCY_KEY_SECRET"),
		PendingLeaseSeconds:          envInt("PENDING_LEASE_SECONDS", 0),
		SessionExpiryGraceSeconds:    envInt("SESSION_EXPIRY_GRACE_SECONDS", 0),
	}
	orch, err := idempotency.New(cfg, store, sink, notifier)
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	params := idempotency.SweepParams{
		OlderThanSeconds: envInt("SWEEP_OLDER_THAN_SECONDS", 600),
		Limit:            envInt("SWEEP_LIMIT", 100),
	}

	runOnce := func(ctx context.Context) error {
		result, serr := orch.ExpireStalePendingRequests(ctx, params)
		if serr != nil {
			return serr
		}
		log.Printf("[sweeper] resolved %d stale pending rows", result.UpdatedRows)
		return nil
	}

	if os.Getenv("RUN_LOCAL") == "true" {
		interval := time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second
		log.Printf("[sweeper] running locally every %s", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := runOnce(ctx); err != nil {
				log.Printf("[sweeper] sweep failed: %v", err)
			}
			<-ticker.C
		}
	}

	lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) error {
		return runOnce(ctx)
	})
}

func metricNamespace() string {
	if ns := os.Getenv("GUARDRAIL_NAMESPACE"); ns != "" {
		return ns
	}
	return "Billing/Idempotency"
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return v
}
