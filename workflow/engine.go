package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/events"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/rules"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/storage"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// Submission is the result of submitting a document for approval.
type Submission struct {
	// Instance is nil when the document was approved immediately.
	Instance     *types.ApprovalInstance
	AutoApproved bool
	Stages       []types.StageDefinition
}

// Progress is the derived view of an instance.
type Progress struct {
	Instance  types.ApprovalInstance
	Stages    []StageView
	Completed int
	Total     int
}

// Engine routes documents through their approval stages and persists every
// decision. Decisions on the same document are serialized.
type Engine struct {
	configs   map[types.DocumentType]types.WorkflowConfig
	mu        sync.RWMutex
	locks     *keyedMutex
	evaluator rules.Evaluator
	resolver  *Resolver
	storage   storage.Store
	eventBus  *events.EventBus
	generate  generator.Generator
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBus replaces the engine's own event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithClock sets the time source for decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine with the given generator and storage. A nil
// store falls back to MemoryStorage and a nil evaluator to an ExprEvaluator.
func NewEngine(generate generator.Generator, store storage.Store, evaluator rules.Evaluator, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &Engine{
		configs:   make(map[types.DocumentType]types.WorkflowConfig),
		locks:     newKeyedMutex(),
		evaluator: evaluator,
		resolver:  NewResolver(evaluator),
		storage:   store,
		generate:  generate,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Stop delivers queued events and stops the event bus.
func (e *Engine) Stop() {
	e.eventBus.Stop()
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterConfig validates and persists the workflow config of a document type.
// Stage conditions are compiled up front when the evaluator supports it.
func (e *Engine) RegisterConfig(ctx context.Context, cfg types.WorkflowConfig) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	compiler, canCompile := e.evaluator.(interface{ Compile(string) error })
	for _, stage := range cfg.Stages {
		if stage.Condition == "" || !canCompile {
			continue
		}
		if err := compiler.Compile(stage.Condition); err != nil {
			return fmt.Errorf("%w: stage %q: %w", ErrValidation, stage.ID, err)
		}
	}

	if err := e.storage.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	e.mu.Lock()
	e.configs[cfg.DocumentType] = cfg
	e.mu.Unlock()

	e.logger.Info("Workflow config registered",
		zap.String("document_type", string(cfg.DocumentType)),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("stages", len(cfg.Stages)))
	return nil
}

// getConfig retrieves a config, checking cache first then storage.
func (e *Engine) getConfig(ctx context.Context, docType types.DocumentType) (types.WorkflowConfig, error) {
	e.mu.RLock()
	cfg, ok := e.configs[docType]
	e.mu.RUnlock()

	if ok {
		return cfg, nil
	}

	cfg, err := e.storage.GetConfig(ctx, docType)
	if err != nil {
		return types.WorkflowConfig{}, fmt.Errorf("failed to get config: %w", err)
	}

	e.mu.Lock()
	e.configs[docType] = cfg
	e.mu.Unlock()

	return cfg, nil
}

// Preview returns the stages a document would have to pass without storing anything.
func (e *Engine) Preview(ctx context.Context, doc types.Document) ([]types.StageDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := checkMetric(doc); err != nil {
		return nil, err
	}
	cfg, err := e.getConfig(ctx, doc.Type)
	if err != nil {
		return nil, err
	}
	return e.resolver.Resolve(doc, cfg)
}

// Submit resolves the stages of a document and starts its workflow. A document
// without required stages is approved immediately and no instance is stored.
// A rejected document may be submitted again; its instance is replaced.
func (e *Engine) Submit(ctx context.Context, doc types.Document, submittedBy string) (*Submission, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: document ID is required", ErrValidation)
	}
	if err := checkMetric(doc); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(doc.ID)
	defer unlock()

	logger := e.logger.With(
		zap.String("document_id", doc.ID),
		zap.String("document_type", string(doc.Type)))

	cfg, err := e.getConfig(ctx, doc.Type)
	if err != nil {
		return nil, err
	}
	stages, err := e.resolver.Resolve(doc, cfg)
	if err != nil {
		return nil, err
	}

	existing, err := e.storage.GetInstance(ctx, doc.ID)
	replacing := err == nil
	switch {
	case errors.Is(err, storage.ErrInstanceNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get instance: %w", err)
	case existing.OverallStatus != types.StatusRejected:
		return nil, fmt.Errorf("%w: %w: document %s is %s",
			ErrStageMismatch, storage.ErrAlreadyExists, doc.ID, existing.OverallStatus)
	}

	now := e.now()
	if len(stages) == 0 {
		if replacing {
			if err := e.storage.DeleteInstance(ctx, doc.ID); err != nil {
				return nil, fmt.Errorf("failed to delete rejected instance: %w", err)
			}
		}
		logger.Info("Document approved without workflow", zap.Float64("metric", doc.Metric))
		ev := newEvent(events.TypeAutoApproved, doc.ID, doc.Type, now)
		ev.Actor = submittedBy
		e.publishEvent(ctx, ev)
		return &Submission{AutoApproved: true}, nil
	}

	inst, err := NewInstance(doc.ID, doc.Type, stages, now)
	if err != nil {
		return nil, err
	}
	if inst.ID, err = e.GenerateID(); err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}
	inst.Metric = doc.Metric
	inst.SubmittedBy = submittedBy

	if replacing {
		err = e.storage.UpdateInstance(ctx, inst, existing.Version)
	} else {
		err = e.storage.CreateInstance(ctx, inst)
	}
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %w", ErrStageMismatch, err)
		}
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	stageIDs := make([]string, len(stages))
	for i, s := range stages {
		stageIDs[i] = s.ID
	}
	logger.Info("Document submitted",
		zap.Uint64("instance_id", inst.ID),
		zap.Strings("stages", stageIDs),
		zap.Bool("resubmission", replacing))

	ev := newEvent(events.TypeSubmitted, doc.ID, doc.Type, now)
	ev.Actor = submittedBy
	ev.StageID = stages[0].ID
	ev.Data = map[string]interface{}{"stages": stageIDs}
	e.publishEvent(ctx, ev)

	return &Submission{Instance: inst, Stages: stages}, nil
}

// Approve records an approval of stageID by actor.
func (e *Engine) Approve(ctx context.Context, documentID, stageID, actor string) (*types.ApprovalInstance, error) {
	return e.decide(ctx, documentID, "approve", func(inst *types.ApprovalInstance, now time.Time) ([]events.Event, error) {
		d := Decision{StageID: stageID, Actor: actor, At: now}
		if err := Approve(inst, d); err != nil {
			return nil, err
		}
		ev := newDecisionEvent(events.TypeStageApproved, inst, d)
		return append([]events.Event{ev}, completionEvents(inst, d)...), nil
	})
}

// Reject records a rejection of stageID by actor and rejects the document.
func (e *Engine) Reject(ctx context.Context, documentID, stageID, actor, reason string) (*types.ApprovalInstance, error) {
	return e.decide(ctx, documentID, "reject", func(inst *types.ApprovalInstance, now time.Time) ([]events.Event, error) {
		requireReason := true
		cfg, err := e.getConfig(ctx, inst.DocumentType)
		if err == nil {
			requireReason = cfg.RequireRejectionReason
		} else {
			e.logger.Warn("Config missing, requiring rejection reason",
				zap.String("document_id", documentID),
				zap.Error(err))
		}

		d := Decision{StageID: stageID, Actor: actor, At: now, Reason: reason}
		if err := Reject(inst, d, requireReason); err != nil {
			return nil, err
		}
		ev := newDecisionEvent(events.TypeRejected, inst, d)
		ev.Data = map[string]interface{}{"reason": reason}
		return []events.Event{ev}, nil
	})
}

// Skip records an administrative skip of stageID by actor.
func (e *Engine) Skip(ctx context.Context, documentID, stageID, actor, justification string) (*types.ApprovalInstance, error) {
	return e.decide(ctx, documentID, "skip", func(inst *types.ApprovalInstance, now time.Time) ([]events.Event, error) {
		d := Decision{StageID: stageID, Actor: actor, At: now, Reason: justification}
		if err := Skip(inst, d); err != nil {
			return nil, err
		}
		ev := newDecisionEvent(events.TypeStageSkipped, inst, d)
		ev.Data = map[string]interface{}{"justification": justification}
		return append([]events.Event{ev}, completionEvents(inst, d)...), nil
	})
}

// Confirm moves an approved document to confirmed.
func (e *Engine) Confirm(ctx context.Context, documentID string) (*types.ApprovalInstance, error) {
	return e.decide(ctx, documentID, "confirm", func(inst *types.ApprovalInstance, now time.Time) ([]events.Event, error) {
		if err := Confirm(inst, now); err != nil {
			return nil, err
		}
		return []events.Event{newEvent(events.TypeConfirmed, inst.DocumentID, inst.DocumentType, now)}, nil
	})
}

// decide loads the instance, applies a transition and persists the result
// with a version check. Events are published only after a successful write.
func (e *Engine) decide(
	ctx context.Context,
	documentID, op string,
	apply func(inst *types.ApprovalInstance, now time.Time) ([]events.Event, error),
) (*types.ApprovalInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := e.locks.Lock(documentID)
	defer unlock()

	logger := e.logger.With(zap.String("document_id", documentID), zap.String("operation", op))

	inst, err := e.storage.GetInstance(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	expectedVersion := inst.Version

	evs, err := apply(&inst, e.now())
	if err != nil {
		e.logDecisionError(logger, err)
		return nil, err
	}

	if err := e.storage.UpdateInstance(ctx, &inst, expectedVersion); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			logger.Warn("Concurrent modification detected", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrStageMismatch, err)
		}
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	logger.Info("Decision recorded",
		zap.String("status", inst.OverallStatus.String()),
		zap.Int("current_stage_index", inst.CurrentStageIndex),
		zap.Int64("version", inst.Version))

	for _, ev := range evs {
		e.publishEvent(ctx, ev)
	}
	return &inst, nil
}

func (e *Engine) logDecisionError(logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ErrDataIntegrity):
		logger.Error("Instance failed integrity check", zap.Error(err))
	case errors.Is(err, ErrValidation):
		logger.Info("Decision rejected by validation", zap.Error(err))
	case errors.Is(err, ErrStageMismatch):
		logger.Warn("Decision does not match instance state", zap.Error(err))
	default:
		logger.Error("Decision failed", zap.Error(err))
	}
}

// Progress returns the derived status of every stage of a document.
func (e *Engine) Progress(ctx context.Context, documentID string) (*Progress, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	inst, err := e.storage.GetInstance(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	views, err := DeriveStages(&inst)
	if err != nil {
		e.logger.Error("Instance failed integrity check",
			zap.String("document_id", documentID),
			zap.Error(err))
		return nil, err
	}

	p := &Progress{Instance: inst, Stages: views, Total: len(views)}
	for _, v := range views {
		if v.Status == StageCompleted {
			p.Completed++
		}
	}
	return p, nil
}

// List returns the stored instances matching filter.
func (e *Engine) List(ctx context.Context, filter storage.InstanceFilter) ([]types.ApprovalInstance, error) {
	return e.storage.ListInstances(ctx, filter)
}

// Retire removes the instance of a deleted document.
func (e *Engine) Retire(ctx context.Context, documentID string) error {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if err := e.storage.DeleteInstance(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	e.logger.Info("Instance retired", zap.String("document_id", documentID))
	return nil
}

// PurgeTerminal removes decided instances that have not changed for olderThan.
func (e *Engine) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := e.storage.ClearTerminal(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clear terminal instances: %w", err)
	}
	e.logger.Info("Terminal instances purged", zap.Int("removed", removed))
	return removed, nil
}

// publishEvent queues an event on the bus. Delivery outlives the request context.
func (e *Engine) publishEvent(ctx context.Context, ev events.Event) {
	if !e.eventBus.HasSubscribers(ev.Type) {
		return
	}
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("Failed to publish event",
			zap.String("event_type", ev.Type),
			zap.String("document_id", ev.DocumentID),
			zap.Error(err))
	}
}

// checkMetric refuses metrics that no threshold can be compared with.
func checkMetric(doc types.Document) error {
	if math.IsNaN(doc.Metric) || math.IsInf(doc.Metric, 0) {
		return fmt.Errorf("%w: document %s: metric %v is not a finite number", ErrValidation, doc.ID, doc.Metric)
	}
	return nil
}

func newEvent(eventType, documentID string, docType types.DocumentType, at time.Time) events.Event {
	ev := events.New(eventType, documentID, at)
	ev.DocumentType = string(docType)
	return ev
}

func newDecisionEvent(eventType string, inst *types.ApprovalInstance, d Decision) events.Event {
	ev := newEvent(eventType, inst.DocumentID, inst.DocumentType, d.At)
	ev.StageID = d.StageID
	ev.Actor = d.Actor
	return ev
}

// completionEvents returns the approved event if the decision finished the workflow.
func completionEvents(inst *types.ApprovalInstance, d Decision) []events.Event {
	if inst.OverallStatus != types.StatusApproved {
		return nil
	}
	return []events.Event{newDecisionEvent(events.TypeApproved, inst, d)}
}
