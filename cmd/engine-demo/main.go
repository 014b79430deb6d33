// Command engine-demo wires up a complete Task Execution Engine against
// in-memory/local-file backends and schedules a small two-step pipeline
// to demonstrate the scheduler, worker pool, and status/result stores
// running end to end. It is not a server: the engine exposes no network
// surface of its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/taskforge/engine/engine"
	"github.com/taskforge/engine/examplerunner"
	"github.com/taskforge/engine/internal/logging"
	natsnotify "github.com/taskforge/engine/internal/notify/nats"
	"github.com/taskforge/engine/internal/otelinit"
	"github.com/taskforge/engine/pipeline"
	"github.com/taskforge/engine/ports"
	"github.com/taskforge/engine/resultstore"
	"github.com/taskforge/engine/workflowcache"
	"github.com/taskforge/engine/workflowstatus"
)

func main() {
	service := "taskengine"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)
	defer otelinit.Flush(context.Background(), shutdownTrace)
	defer otelinit.Flush(context.Background(), shutdownMetrics)

	dataDir := os.Getenv("TASKENGINE_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}

	meter := otel.GetMeterProvider().Meter(service)

	registry, err := engine.NewRegistry(dataDir+"/executions.db", meter)
	if err != nil {
		slog.Error("open registry", "error", err)
		os.Exit(1)
	}

	cache, err := workflowcache.New(dataDir+"/workflow_cache.db", 15*time.Minute)
	if err != nil {
		slog.Error("open workflow cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	var notifier ports.Notifier
	if natsURL := os.Getenv("TASKENGINE_NATS_URL"); natsURL != "" {
		conn, err := natsgo.Connect(natsURL)
		if err != nil {
			slog.Warn("nats connect failed, continuing without workflow status broadcast", "url", natsURL, "error", err)
		} else {
			defer conn.Close()
			notifier = natsnotify.New(conn)
		}
	}

	statuses, err := workflowstatus.New(dataDir+"/workflow_status.db", notifier)
	if err != nil {
		slog.Error("open workflow status manager", "error", err)
		os.Exit(1)
	}
	defer statuses.Close()

	results, err := resultstore.New(dataDir+"/results.db", 500)
	if err != nil {
		slog.Error("open result store", "error", err)
		os.Exit(1)
	}
	defer results.Close()

	converter := pipeline.NewConverter()
	converter.RegisterTemplate(&pipeline.Template{
		ID:      "default",
		Version: "1",
		Parameters: []pipeline.ParamDef{
			{Name: "url", Type: pipeline.ParamString, Required: true},
			{Name: "retries", Type: pipeline.ParamNumber, Required: false, Default: float64(3)},
		},
		Document: map[string]any{
			"task_id":          "${task.id}",
			"task_name":        "${task.name}",
			"task_description": "${task.description}",
			"steps": []any{
				map[string]any{
					"name":   "fetch",
					"url":    "${url}",
					"method": "GET",
				},
				map[string]any{
					"name":    "notify",
					"retries": "${retries}",
				},
			},
		},
	})

	taskStore := examplerunner.NewMemoryTaskStore()
	taskStore.Seed(ports.Task{
		ID:           "demo-task-1",
		Name:         "fetch-and-notify",
		Description:  "fetches a URL and notifies the result",
		WorkflowType: "sample-http-pipeline",
		PipelineParameters: map[string]any{
			"url": "https://example.invalid/status",
		},
	})

	runnerEndpoint := os.Getenv("TASKENGINE_RUNNER_ENDPOINT")
	if runnerEndpoint == "" {
		runnerEndpoint = "http://localhost:8090/execute"
	}
	runner := examplerunner.NewHTTPRunner(runnerEndpoint)

	eng, err := engine.New(ctx, engine.Config{
		SchedulerInterval: 500 * time.Millisecond,
		WorkerCapacity:    4,
		TaskStore:         taskStore,
		Runner:            runner,
		Converter:         converter,
		Cache:             cache,
		Results:           results,
		Statuses:          statuses,
		Registry:          registry,
	})
	if err != nil {
		slog.Error("construct engine", "error", err)
		os.Exit(1)
	}

	eng.AddPostExecutionHook(func(exec *engine.TaskExecution) {
		slog.Info("execution finished", "execution_id", exec.ExecutionID, "status", exec.Status)
	})

	sched, err := eng.ScheduleTask(engine.Spec{
		TaskID:       "demo-task-1",
		WorkflowType: "sample-http-pipeline",
		Priority:     engine.PriorityHigh,
	}.WithDefaults())
	if err != nil {
		slog.Error("schedule demo task", "error", err)
	} else {
		fmt.Printf("scheduled execution %s for task %s (status=%s)\n", sched.ExecutionID, sched.TaskID, sched.Status)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	if err := eng.Shutdown(); err != nil {
		slog.Error("engine shutdown", "error", err)
	}
}
