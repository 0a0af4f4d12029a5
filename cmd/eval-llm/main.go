// Command eval-llm replays one or more prompts through the full cascade
// engine (classify, select, invoke, quality-gate, escalate) and prints
// the resulting text plus the usage record, without starting an HTTP
// server. It is the debug/replay counterpart to cmd/gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aihq/cascade-router/internal/admission"
	"github.com/aihq/cascade-router/internal/backend"
	"github.com/aihq/cascade-router/internal/cascade"
	"github.com/aihq/cascade-router/internal/classify"
	"github.com/aihq/cascade-router/internal/config"
	"github.com/aihq/cascade-router/internal/policy"
	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/routing"
)

// EvaluateTask is a single prompt to replay.
type EvaluateTask struct {
	Type    string `json:"type"`
	Prompt  string `json:"prompt"`
	Options struct {
		OutputPath      string `json:"outputPath,omitempty"`
		IncludeMetadata bool   `json:"includeMetadata,omitempty"`
		TimeoutMS       int    `json:"timeoutMs,omitempty"`
	} `json:"options,omitempty"`
}

// BatchTask replays a list of prompts, optionally in parallel.
type BatchTask struct {
	Type        string         `json:"type"`
	Tasks       []EvaluateTask `json:"tasks"`
	StopOnError bool           `json:"stopOnError,omitempty"`
}

// EvaluationResult is what one replayed prompt produced.
type EvaluationResult struct {
	Response  string              `json:"response"`
	Usage     routing.UsageRecord `json:"usage"`
	LatencyMS int64               `json:"latencyMs"`
	Error     string              `json:"error,omitempty"`
}

func main() {
	taskFile := flag.String("task", "", "Path to task JSON file")
	parallel := flag.Int("parallel", 4, "Number of parallel replays for batch tasks")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	if *taskFile == "" {
		fmt.Println("Usage: eval-llm -task <task-file.json> [-parallel 4] [-verbose]")
		os.Exit(1)
	}

	data, err := os.ReadFile(*taskFile)
	if err != nil {
		log.Fatalf("failed to read task file: %v", err)
	}

	var baseTask struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &baseTask); err != nil {
		log.Fatalf("failed to parse task: %v", err)
	}

	engine := buildEngine()

	fmt.Printf("cascade replay\n\ntask: %s\n", *taskFile)

	switch baseTask.Type {
	case "evaluate":
		var task EvaluateTask
		if err := json.Unmarshal(data, &task); err != nil {
			log.Fatalf("failed to parse evaluate task: %v", err)
		}
		result := runTask(engine, task, *verbose)
		printResult(result)

	case "batch":
		var task BatchTask
		if err := json.Unmarshal(data, &task); err != nil {
			log.Fatalf("failed to parse batch task: %v", err)
		}
		results := runBatch(engine, task, *parallel, *verbose)
		printBatchResults(results)

	default:
		log.Fatalf("unknown task type: %s", baseTask.Type)
	}
}

// buildEngine wires the same collaborators as cmd/gateway, without
// starting an HTTP listener. It sets no telemetry emitter and no
// per-attempt deadline.
func buildEngine() *cascade.Engine {
	cfg := config.FromEnv()

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load router config %s: %v", cfg.ConfigPath, err)
	}

	admissionTimeout := cfg.GPUQueueTimeout
	if sla := reg.SLA(); sla.AdmissionTimeoutMS > 0 && os.Getenv("GPU_QUEUE_TIMEOUT") == "" {
		admissionTimeout = time.Duration(sla.AdmissionTimeoutMS) * time.Millisecond
	}
	admissionQueue := admission.New(admission.Config{
		RedisURL: cfg.RedisURL,
		MaxWork:  cfg.GPUQueueMaxWork,
		Timeout:  admissionTimeout,
	})
	invoker := backend.New(cfg, reg)
	classifier := classify.New(reg, invoker)
	selector := policy.New(reg)

	return cascade.New(cascade.Config{
		Registry:       reg,
		Classifier:     classifier,
		Selector:       selector,
		Invoker:        invoker,
		Admission:      admissionQueue,
		CloudAvailable: cfg.CloudAvailable,
	})
}

func runTask(engine *cascade.Engine, task EvaluateTask, verbose bool) EvaluationResult {
	start := time.Now()

	timeoutMS := task.Options.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 60_000
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	if verbose {
		fmt.Printf("  prompt: %s\n", task.Prompt)
	}

	result := engine.Run(ctx, []routing.Message{{Role: "user", Content: task.Prompt}})
	latency := time.Since(start).Milliseconds()

	eval := EvaluationResult{Response: result.Text, Usage: result.Usage, LatencyMS: latency}
	if result.UpstreamStatus != 0 {
		eval.Error = fmt.Sprintf("upstream status %d: %s", result.UpstreamStatus, result.UpstreamBody)
	}

	if task.Options.OutputPath != "" {
		if err := saveResult(task, eval); err != nil && verbose {
			log.Printf("warning: failed to save result: %v", err)
		}
	}

	return eval
}

func runBatch(engine *cascade.Engine, task BatchTask, parallel int, verbose bool) []EvaluationResult {
	results := make([]EvaluationResult, len(task.Tasks))
	taskChan := make(chan int, len(task.Tasks))
	var wg sync.WaitGroup
	var stopped bool
	var mu sync.Mutex

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range taskChan {
				mu.Lock()
				halt := stopped
				mu.Unlock()
				if halt {
					continue
				}
				if verbose {
					fmt.Printf("  [%d/%d] %s\n", idx+1, len(task.Tasks), truncate(task.Tasks[idx].Prompt, 60))
				}
				results[idx] = runTask(engine, task.Tasks[idx], verbose)
				if results[idx].Error != "" && task.StopOnError {
					mu.Lock()
					stopped = true
					mu.Unlock()
				}
			}
		}()
	}

	for i := range task.Tasks {
		taskChan <- i
	}
	close(taskChan)
	wg.Wait()

	return results
}

func saveResult(task EvaluateTask, result EvaluationResult) error {
	dir := filepath.Dir(task.Options.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var content string
	if task.Options.IncludeMetadata {
		content = fmt.Sprintf(`# Cascade Replay

## Metadata

- **Backend**: %s
- **Timestamp**: %s
- **Latency**: %dms
- **Tokens**: %d prompt, %d completion
- **Escalated**: %t
- **Cost (est. USD)**: %.4f

---

## Response

%s
`, result.Usage.ResolvedBackendID, time.Now().Format(time.RFC3339),
			result.LatencyMS, result.Usage.PromptTokensEst, result.Usage.CompletionTokensEst,
			result.Usage.Escalated, result.Usage.CostEstUSD, result.Response)
	} else {
		content = result.Response
	}

	return os.WriteFile(task.Options.OutputPath, []byte(content), 0o644)
}

func printResult(result EvaluationResult) {
	fmt.Println("\ndone")
	fmt.Printf("backend:    %s\n", result.Usage.ResolvedBackendID)
	fmt.Printf("latency:    %dms\n", result.LatencyMS)
	fmt.Printf("tokens:     %d prompt, %d completion\n", result.Usage.PromptTokensEst, result.Usage.CompletionTokensEst)
	fmt.Printf("escalated:  %t (%s)\n", result.Usage.Escalated, result.Usage.EscalationReason)
	fmt.Printf("cost (est): $%.4f\n", result.Usage.CostEstUSD)

	if result.Error != "" {
		fmt.Printf("\nerror: %s\n", result.Error)
		return
	}
	fmt.Printf("\nresponse:\n%s\n", result.Response)
}

func printBatchResults(results []EvaluationResult) {
	successful, failed := 0, 0
	var totalLatency int64
	var totalCost float64

	for _, r := range results {
		if r.Error == "" {
			successful++
			totalLatency += r.LatencyMS
			totalCost += r.Usage.CostEstUSD
		} else {
			failed++
		}
	}

	fmt.Println("\nbatch done")
	fmt.Printf("total:       %d\n", len(results))
	fmt.Printf("successful:  %d\n", successful)
	fmt.Printf("failed:      %d\n", failed)

	if successful > 0 {
		fmt.Printf("avg latency: %dms\n", totalLatency/int64(successful))
		fmt.Printf("total cost:  $%.4f\n", totalCost)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
