// Package device assigns model backends to accelerators and serializes
// access when tasks must share one. Assignment is static: device 0 embeds,
// device 1 reranks, the remaining devices serve the LLM enrichment pool.
package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

// Task identifies a workload class competing for devices.
type Task string

const (
	TaskEmbed  Task = "embed"
	TaskRerank Task = "rerank"
	TaskLLM    Task = "llm"
)

// Unloader releases a model's device memory.
type Unloader interface {
	Unload(ctx context.Context) error
}

// Stat is one device's telemetry reading. Values are reported as the
// telemetry source produced them.
type Stat struct {
	Index       int    `json:"index"`
	Name        string `json:"name,omitempty"`
	Utilization string `json:"utilization,omitempty"`
	MemoryUsed  string `json:"memory_used,omitempty"`
	MemoryTotal string `json:"memory_total,omitempty"`
	Temperature string `json:"temperature,omitempty"`
}

// Telemetry reads device state. Implementations may shell out or return
// nothing at all; the orchestrator treats readings as informational.
type Telemetry interface {
	Snapshot(ctx context.Context) ([]Stat, error)
}

// NoTelemetry reports no devices.
type NoTelemetry struct{}

func (NoTelemetry) Snapshot(ctx context.Context) ([]Stat, error) { return nil, nil }

// Config describes the accelerator topology. Endpoints holds one backend
// URL per device index; with fewer endpoints than devices the list wraps.
type Config struct {
	GPUCount  int
	Endpoints []string
	Telemetry Telemetry
	Logger    *slog.Logger
}

type sharedDevice struct {
	mu      sync.Mutex
	current Task
}

// Orchestrator owns the static task-to-device map. With three or more
// devices every task has its own accelerator and Acquire is free; below
// that, tasks sharing a device take a mutex and force the previous
// occupant to unload before loading their own model.
type Orchestrator struct {
	cfg       Config
	log       *slog.Logger
	telemetry Telemetry

	devices   map[Task]int
	shared    map[int]*sharedDevice
	unloaders map[Task]Unloader
	uMu       sync.RWMutex
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.GPUCount < 1 {
		cfg.GPUCount = 1
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = NoTelemetry{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:       cfg,
		log:       cfg.Logger,
		telemetry: cfg.Telemetry,
		devices:   map[Task]int{},
		shared:    map[int]*sharedDevice{},
		unloaders: map[Task]Unloader{},
	}

	switch {
	case cfg.GPUCount >= 3:
		o.devices[TaskEmbed] = 0
		o.devices[TaskRerank] = 1
		// LLM pool spans 2..G-1; device index 2 stands for the pool.
		o.devices[TaskLLM] = 2
	case cfg.GPUCount == 2:
		o.devices[TaskEmbed] = 0
		o.devices[TaskRerank] = 1
		o.devices[TaskLLM] = 0
		o.shared[0] = &sharedDevice{}
		o.shared[1] = &sharedDevice{}
	default:
		o.devices[TaskEmbed] = 0
		o.devices[TaskRerank] = 0
		o.devices[TaskLLM] = 0
		o.shared[0] = &sharedDevice{}
	}
	return o
}

// Workers returns the LLM enrichment fan-out width.
func (o *Orchestrator) Workers() int {
	if o.cfg.GPUCount >= 3 {
		return o.cfg.GPUCount - 2
	}
	return 1
}

func (o *Orchestrator) endpoint(device int) string {
	if len(o.cfg.Endpoints) == 0 {
		return ""
	}
	return o.cfg.Endpoints[device%len(o.cfg.Endpoints)]
}

// EmbedEndpoint returns the backend URL serving the embedder.
func (o *Orchestrator) EmbedEndpoint() string { return o.endpoint(o.devices[TaskEmbed]) }

// RerankEndpoint returns the backend URL serving the cross-encoder.
func (o *Orchestrator) RerankEndpoint() string { return o.endpoint(o.devices[TaskRerank]) }

// LLMEndpoints returns the enrichment pool, one URL per pool device.
func (o *Orchestrator) LLMEndpoints() []string {
	if o.cfg.GPUCount >= 3 {
		urls := make([]string, 0, o.cfg.GPUCount-2)
		for d := 2; d < o.cfg.GPUCount; d++ {
			urls = append(urls, o.endpoint(d))
		}
		return urls
	}
	return []string{o.endpoint(o.devices[TaskLLM])}
}

// RegisterUnloader wires the model that must be evicted when another task
// claims the same device.
func (o *Orchestrator) RegisterUnloader(task Task, u Unloader) {
	o.uMu.Lock()
	defer o.uMu.Unlock()
	o.unloaders[task] = u
}

// Acquire claims the device for a task and returns a release func. On a
// shared device the previous occupant's model is unloaded first; on a
// dedicated device this is a no-op.
func (o *Orchestrator) Acquire(ctx context.Context, task Task) (func(), error) {
	dev, ok := o.devices[task]
	if !ok {
		return nil, apperr.Validation("unknown device task: " + string(task))
	}
	sd, isShared := o.shared[dev]
	if !isShared {
		return func() {}, nil
	}

	sd.mu.Lock()
	if sd.current != "" && sd.current != task {
		o.uMu.RLock()
		prev := o.unloaders[sd.current]
		o.uMu.RUnlock()
		if prev != nil {
			if err := prev.Unload(ctx); err != nil {
				o.log.Warn("device_unload_failed", "device", dev,
					"task", string(sd.current), "error", err)
			}
		}
		o.log.Debug("device_task_switch", "device", dev,
			"from", string(sd.current), "to", string(task))
	}
	sd.current = task
	return func() { sd.mu.Unlock() }, nil
}

// Snapshot reports per-device telemetry.
func (o *Orchestrator) Snapshot(ctx context.Context) ([]Stat, error) {
	return o.telemetry.Snapshot(ctx)
}

// UnloadAll asks every registered model to release its device; operator
// hook behind the maintenance endpoint.
func (o *Orchestrator) UnloadAll(ctx context.Context) error {
	o.uMu.RLock()
	defer o.uMu.RUnlock()
	var firstErr error
	for task, u := range o.unloaders {
		if err := u.Unload(ctx); err != nil {
			o.log.Warn("unload_failed", "task", string(task), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
