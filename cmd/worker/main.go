// Command worker is the scheduler + execution worker process: it loads
// config from the environment, connects to Postgres and NATS, and runs the
// Scheduler until it receives SIGINT/SIGTERM. It replaces the teacher's
// Kubernetes-operator entrypoints (cmd/k8sclaw, cmd/controller, ...) — this
// core has no Kubernetes API server to reconcile against.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/sympozium/agentcore/internal/apiserver"
	"github.com/sympozium/agentcore/internal/config"
	"github.com/sympozium/agentcore/internal/eventbus"
	"github.com/sympozium/agentcore/internal/execution"
	"github.com/sympozium/agentcore/internal/fetch"
	"github.com/sympozium/agentcore/internal/scheduler"
	"github.com/sympozium/agentcore/internal/store"
	"github.com/sympozium/agentcore/internal/template"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("worker: loading config: %v", err)
	}

	shutdownObs := initObservability(ctx, cfg)
	defer func() {
		if err := shutdownObs(context.Background()); err != nil {
			log.Printf("worker: observability shutdown: %v", err)
		}
	}()

	repo, err := store.NewPGRepository(ctx, cfg.DatabaseURL, cfg.SecretKey)
	if err != nil {
		log.Fatalf("worker: connecting to database: %v", err)
	}
	defer repo.Close()

	fetchOpts := []fetch.Option{fetch.WithProductionMode(cfg.ProductionMode)}
	if cfg.S3Bucket != "" {
		s3Client, err := fetch.NewS3ClientFromEnv(ctx)
		if err != nil {
			log.Fatalf("worker: building S3 client: %v", err)
		}
		fetchOpts = append(fetchOpts, fetch.WithS3(s3Client, cfg.S3Bucket))
	}
	fetcher := fetch.New(repo, fetchOpts...)
	renderer := template.New(repo)

	var lambdaClient *lambda.Client
	if cfg.RemoteExecutionEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSLambdaRegion))
		if err != nil {
			log.Fatalf("worker: loading AWS config: %v", err)
		}
		lambdaClient = lambda.NewFromConfig(awsCfg)
	}

	bus, err := eventbus.NewNATSEventBus(cfg.NATSURL)
	if err != nil {
		log.Fatalf("worker: connecting to NATS: %v", err)
	}
	defer bus.Close()

	// Engine needs a Scheduler for chain triggers and Scheduler needs an
	// Engine to run dispatched executions — the cycle is broken by
	// constructing the engine first with a forwarding shim that reads the
	// sched variable on each call, then assigning sched once the engine
	// exists.
	var sched *scheduler.Scheduler
	engine := execution.New(repo, fetcher, renderer, cfg, lambdaClient, schedulerShim{get: func() execution.Scheduler { return sched }})
	sched = scheduler.New(repo, bus, engine, cfg)

	if cfg.APIServerAddr != "" {
		api := apiserver.NewServer(repo, bus)
		go func() {
			log.Printf("worker: api server listening on %s", cfg.APIServerAddr)
			if err := api.Start(cfg.APIServerAddr, cfg.APIServerToken); err != nil && ctx.Err() == nil {
				log.Printf("worker: api server exited: %v", err)
			}
		}()
	}

	log.Printf("worker: starting (scan interval %s, pool size %d)", cfg.SchedulerScanInterval, cfg.WorkerPoolSize)
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker: scheduler exited: %v", err)
	}
	log.Println("worker: shutting down")
}

// schedulerShim defers resolving the concrete Scheduler until after it is
// constructed, letting execution.Engine and scheduler.Scheduler be built
// from one another without a nil pointer at wiring time.
type schedulerShim struct {
	get func() execution.Scheduler
}

func (s schedulerShim) ScheduleForced(ctx context.Context, taskID string) error {
	return s.get().ScheduleForced(ctx, taskID)
}
