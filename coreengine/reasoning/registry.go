// Package reasoning provides the reasoning-service side of the runtime:
// a registry of chat-completion services with per-service concurrency
// gating, model-based selection with a system default, exponential-backoff
// retry for transient failures, and out-of-band per-agent abort.
//
// Features:
//   - Service registration and selection by model tag
//   - Load gating via maxConcurrentRequests
//   - Transient-failure retry (backoff)
//   - In-flight call tracking and Abort(agentID)
//
// The registry is the ReasoningClient the turn engine calls, the Summarizer
// the compression engine calls, and the ReasoningAborter the kernel calls.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
)

// Logger is the protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// =============================================================================
// Service Entries
// =============================================================================

// Capabilities describes the modalities a service accepts and produces.
type Capabilities struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

// ServiceEntry describes one reasoning service endpoint.
type ServiceEntry struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	BaseURL               string       `json:"base_url,omitempty"`
	Model                 string       `json:"model"`
	APIKey                string       `json:"api_key,omitempty"`
	MaxConcurrentRequests int          `json:"max_concurrent_requests"`
	Capabilities          Capabilities `json:"capabilities"`
}

// Clone creates a copy of the entry.
func (e *ServiceEntry) Clone() *ServiceEntry {
	clone := *e
	if e.Capabilities.Input != nil {
		clone.Capabilities.Input = append([]string(nil), e.Capabilities.Input...)
	}
	if e.Capabilities.Output != nil {
		clone.Capabilities.Output = append([]string(nil), e.Capabilities.Output...)
	}
	return &clone
}

// serviceState pairs an entry with its adapter and live load counter.
type serviceState struct {
	entry       *ServiceEntry
	client      agents.ReasoningClient
	currentLoad int
}

// canAccept reports whether the service has a free request slot.
func (s *serviceState) canAccept() bool {
	return s.entry.MaxConcurrentRequests <= 0 || s.currentLoad < s.entry.MaxConcurrentRequests
}

// =============================================================================
// Errors
// =============================================================================

// NoServiceError is raised when no registered service can take a request.
type NoServiceError struct {
	Model string
}

func (e *NoServiceError) Error() string {
	if e.Model == "" {
		return "no reasoning service registered"
	}
	return fmt.Sprintf("no reasoning service for model %s", e.Model)
}

// ServiceBusyError is raised when a service is at its concurrency ceiling.
// Busy services are retried with backoff before the error surfaces.
type ServiceBusyError struct {
	ServiceID string
	Load      int
	Max       int
}

func (e *ServiceBusyError) Error() string {
	return fmt.Sprintf("reasoning service %s at capacity (%d/%d)", e.ServiceID, e.Load, e.Max)
}

// IsServiceBusy reports whether err is a ServiceBusyError.
func IsServiceBusy(err error) bool {
	var busy *ServiceBusyError
	return errors.As(err, &busy)
}

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig bounds the transient-failure retry loop around one call.
type RetryConfig struct {
	// MaxAttempts is the total attempt count, first call included.
	MaxAttempts int `json:"max_attempts"`
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration `json:"initial_interval"`
	// MaxInterval caps the exponential growth.
	MaxInterval time.Duration `json:"max_interval"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (c *RetryConfig) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	retries := uint64(0)
	if c.MaxAttempts > 1 {
		retries = uint64(c.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)
}

// =============================================================================
// Registry
// =============================================================================

// agentTagged is the optional token upgrade the registry uses to key
// in-flight handles. Kernel tokens carry their agent id; bare test tokens
// may not, in which case Abort cannot target the call.
type agentTagged interface {
	AgentID() string
}

// Registry routes chat requests to registered services.
//
// Usage:
//
//	reg := NewRegistry(logger, nil)
//	_ = reg.Register(entry, NewOpenAIAdapter(entry, logger))
//	resp, err := reg.Chat(ctx, req, token)
//
// Selection: a request's model is matched against each entry's Model, Name,
// and ID; no match falls back to the default service (the first registered,
// unless SetDefault was called).
type Registry struct {
	logger Logger
	retry  *RetryConfig

	mu        sync.Mutex
	services  map[string]*serviceState
	order     []string
	defaultID string

	// summaryModel selects the service used for compression summaries.
	summaryModel string

	// inflight maps agent id to the cancel func releasing its live call.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// NewRegistry creates an empty service registry.
func NewRegistry(logger Logger, retry *RetryConfig) *Registry {
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	return &Registry{
		logger:   logger,
		retry:    retry,
		services: make(map[string]*serviceState),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Register adds a service entry with its adapter. The first registered
// service becomes the default. Returns an error for duplicate ids.
func (r *Registry) Register(entry *ServiceEntry, client agents.ReasoningClient) error {
	if entry == nil || entry.ID == "" {
		return errors.New("service entry requires an id")
	}
	if client == nil {
		return fmt.Errorf("service %s requires an adapter", entry.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[entry.ID]; exists {
		return fmt.Errorf("reasoning service %s already registered", entry.ID)
	}
	r.services[entry.ID] = &serviceState{entry: entry.Clone(), client: client}
	r.order = append(r.order, entry.ID)
	if r.defaultID == "" {
		r.defaultID = entry.ID
	}

	if r.logger != nil {
		r.logger.Info("reasoning_service_registered",
			"service_id", entry.ID,
			"model", entry.Model,
			"base_url", entry.BaseURL,
			"max_concurrent_requests", entry.MaxConcurrentRequests,
		)
	}
	return nil
}

// SetDefault selects the fallback service for requests with no model match.
func (r *Registry) SetDefault(serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[serviceID]; !exists {
		return &NoServiceError{Model: serviceID}
	}
	r.defaultID = serviceID
	return nil
}

// SetSummaryModel selects the model used for compression summaries. Empty
// keeps the default service.
func (r *Registry) SetSummaryModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaryModel = model
}

// List returns all registered entries in registration order.
func (r *Registry) List() []*ServiceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]*ServiceEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.services[id].entry.Clone())
	}
	return entries
}

// Get returns the entry for a service id, or nil.
func (r *Registry) Get(serviceID string) *ServiceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, exists := r.services[serviceID]; exists {
		return state.entry.Clone()
	}
	return nil
}

// Load returns the current in-flight count for a service, or -1.
func (r *Registry) Load(serviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, exists := r.services[serviceID]; exists {
		return state.currentLoad
	}
	return -1
}

// selectLocked resolves the service for a model tag.
func (r *Registry) selectLocked(model string) (*serviceState, error) {
	if len(r.order) == 0 {
		return nil, &NoServiceError{Model: model}
	}
	if model != "" {
		for _, id := range r.order {
			state := r.services[id]
			if state.entry.Model == model || state.entry.Name == model || state.entry.ID == model {
				return state, nil
			}
		}
		if r.logger != nil {
			r.logger.Debug("reasoning_model_not_registered", "model", model, "fallback", r.defaultID)
		}
	}
	return r.services[r.defaultID], nil
}

// acquire reserves a request slot on the service for a model tag. The
// release func must be called exactly once.
func (r *Registry) acquire(model string) (*serviceState, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.selectLocked(model)
	if err != nil {
		return nil, nil, err
	}
	if !state.canAccept() {
		return nil, nil, &ServiceBusyError{
			ServiceID: state.entry.ID,
			Load:      state.currentLoad,
			Max:       state.entry.MaxConcurrentRequests,
		}
	}
	state.currentLoad++

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if state.currentLoad > 0 {
			state.currentLoad--
		}
	}
	return state, release, nil
}

// =============================================================================
// Chat / Summarize / Abort
// =============================================================================

// Chat routes one reasoning call to the selected service, gated by its
// concurrency ceiling and retried with backoff on transient failures. The
// call is released early when the token is invalidated or Abort lands.
func (r *Registry) Chat(ctx context.Context, req *agents.ChatRequest, token agents.CancelToken) (*agents.ChatResponse, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	agentID := tokenAgentID(token)
	if agentID != "" {
		r.trackInflight(agentID, cancel)
		defer r.untrackInflight(agentID)
	}

	start := time.Now()
	var resp *agents.ChatResponse
	var serviceID, model string

	operation := func() error {
		state, release, err := r.acquire(req.Model)
		if err != nil {
			if IsServiceBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer release()
		serviceID, model = state.entry.ID, state.entry.Model

		resp, err = state.client.Chat(callCtx, req, token)
		if err == nil {
			return nil
		}
		if errors.Is(err, agents.ErrCallAborted) || errors.Is(err, agents.ErrContextLimit) {
			return backoff.Permanent(err)
		}
		if IsTransient(err) {
			if r.logger != nil {
				r.logger.Warn("reasoning_call_retrying",
					"service_id", state.entry.ID,
					"error", err.Error(),
				)
			}
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, r.retry.backoff(callCtx))
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		// The backoff wrapper reports ctx.Err() when cancellation cut a
		// retry wait short; an invalidated token makes that an abort.
		if token != nil && token.IsCancelled() && !errors.Is(err, agents.ErrContextLimit) {
			err = agents.ErrCallAborted
		}
		status := "error"
		if errors.Is(err, agents.ErrCallAborted) {
			status = "aborted"
		}
		observability.RecordLLMCall(serviceID, model, status, durationMS)
		if r.logger != nil && status == "error" {
			r.logger.Error("reasoning_call_failed",
				"service_id", serviceID,
				"model", req.Model,
				"duration_ms", durationMS,
				"error", err.Error(),
			)
		}
		return nil, err
	}

	observability.RecordLLMCall(serviceID, model, "success", durationMS)
	observability.RecordLLMTokens(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// Summarize runs a single-shot completion for the compression engine on
// the summary service with a low temperature.
func (r *Registry) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	r.mu.Lock()
	model := r.summaryModel
	r.mu.Unlock()

	req := &agents.ChatRequest{
		Model:       model,
		Messages:    []*conversation.Record{conversation.NewUserRecord(prompt)},
		Temperature: 0.2,
		MaxTokens:   maxTokens,
	}
	resp, err := r.Chat(ctx, req, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Abort releases the agent's in-flight call, if any. Safe to call for
// agents with no live call.
func (r *Registry) Abort(agentID string) {
	r.inflightMu.Lock()
	cancel, exists := r.inflight[agentID]
	r.inflightMu.Unlock()

	if exists {
		cancel()
		if r.logger != nil {
			r.logger.Debug("reasoning_call_released", "agent_id", agentID)
		}
	}
}

func (r *Registry) trackInflight(agentID string, cancel context.CancelFunc) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if prev, exists := r.inflight[agentID]; exists {
		// One call per agent: a stale handle means the previous call is
		// being torn down. Release it before replacing.
		prev()
	}
	r.inflight[agentID] = cancel
}

func (r *Registry) untrackInflight(agentID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, agentID)
}

// InflightCount returns the number of agents with live calls.
func (r *Registry) InflightCount() int {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	return len(r.inflight)
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	totalLoad := 0
	totalCapacity := 0
	perService := make(map[string]map[string]any, len(r.services))
	for id, state := range r.services {
		totalLoad += state.currentLoad
		totalCapacity += state.entry.MaxConcurrentRequests
		perService[id] = map[string]any{
			"model":        state.entry.Model,
			"current_load": state.currentLoad,
			"max_requests": state.entry.MaxConcurrentRequests,
		}
	}
	return map[string]any{
		"total_services": len(r.services),
		"default":        r.defaultID,
		"total_load":     totalLoad,
		"total_capacity": totalCapacity,
		"services":       perService,
	}
}

func tokenAgentID(token agents.CancelToken) string {
	if tagged, ok := token.(agentTagged); ok {
		return tagged.AgentID()
	}
	return ""
}

// Compile-time port checks.
var (
	_ agents.ReasoningClient  = (*Registry)(nil)
	_ conversation.Summarizer = (*Registry)(nil)
	_ kernel.ReasoningAborter = (*Registry)(nil)
)
