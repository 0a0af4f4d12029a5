// Package backend implements BackendInvoker: the uniform
// invoke(backend_id, messages, deadline) -> (text, error) adapter across
// local GPU and remote cloud providers, with an auth-healthy cache and a
// cost/budget gate guarding the remote branch.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aihq/cascade-router/internal/config"
	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/routing"
)

// ErrAuthDisabled is returned when the auth-healthy cache has a provider
// marked unavailable, short-circuiting the call rather than spamming 401s.
var ErrAuthDisabled = errors.New("backend: auth_disabled")

// ErrCostGuardBlocked is returned when the cost/budget gate refuses a
// remote invocation.
var ErrCostGuardBlocked = errors.New("backend: cost_guard_blocked")

// authCacheTTL bounds how long a probe result (good or bad) is trusted.
const authCacheTTL = 300 * time.Second

type authStatus struct {
	validated bool
	available bool
	checkedAt time.Time
}

// Invoker dispatches to the local or remote branch by the resolved backend
// entry's provider, and is the sole owner of the process-wide auth-healthy
// cache.
type Invoker struct {
	reg   *registry.Registry
	guard *costGuard
	local *localClient
	cloud *cloudClient

	mu        sync.Mutex
	authCache map[string]authStatus
}

// New builds an Invoker against the given registry and process config.
func New(cfg config.Config, reg *registry.Registry) *Invoker {
	return &Invoker{
		reg:       reg,
		guard:     newCostGuard(cfg),
		local:     newLocalClient(cfg.OllamaBaseURL),
		cloud:     newCloudClient(cfg),
		authCache: map[string]authStatus{},
	}
}

// Complete implements the classifier's Completer interface so Stage 2
// refinement can call back into the invoker without classify importing
// this package.
func (inv *Invoker) Complete(ctx context.Context, backendID string, messages []routing.Message, deadlineMS int64) (string, error) {
	return inv.Invoke(ctx, backendID, messages, time.Duration(deadlineMS)*time.Millisecond)
}

// Invoke resolves backendID and dispatches to the local_gpu or
// remote_cloud branch. deadline <= 0 means no per-call timeout beyond
// whatever ctx already carries.
func (inv *Invoker) Invoke(ctx context.Context, backendID string, messages []routing.Message, deadline time.Duration) (string, error) {
	entry, ok := inv.reg.Get(backendID)
	if !ok {
		return "", fmt.Errorf("backend: unknown backend id %q", backendID)
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	switch entry.Provider {
	case routing.ProviderLocalGPU:
		return inv.invokeLocal(ctx, entry, messages)
	case routing.ProviderRemoteCloud:
		return inv.invokeRemote(ctx, entry, messages)
	default:
		return "", fmt.Errorf("backend: unknown provider %q for %s", entry.Provider, backendID)
	}
}

func (inv *Invoker) invokeLocal(ctx context.Context, entry routing.BackendEntry, messages []routing.Message) (string, error) {
	tier := entry.Params["tier"]
	if tier == "" {
		tier = "instruct"
	}
	params := mergeParams(config.OllamaTierParams(tier), entry.Params)
	return inv.local.complete(ctx, entry.ProviderModelName, messages, params)
}

func (inv *Invoker) invokeRemote(ctx context.Context, entry routing.BackendEntry, messages []routing.Message) (string, error) {
	api := normalizeAPI(entry.Params["api"])

	if err := inv.guard.check(entry, messages); err != nil {
		return "", err
	}

	if err := inv.ensureAuthHealthy(ctx, api); err != nil {
		return "", err
	}

	text, err := inv.cloud.complete(ctx, api, entry, messages)
	if isUnauthorized(err) {
		inv.markAuthUnavailable(api)
		return "", ErrAuthDisabled
	}
	return text, err
}

// ensureAuthHealthy consults (or refreshes) the process-wide auth-healthy
// cache for api.
func (inv *Invoker) ensureAuthHealthy(ctx context.Context, api string) error {
	inv.mu.Lock()
	status, ok := inv.authCache[api]
	stale := !ok || time.Since(status.checkedAt) > authCacheTTL
	inv.mu.Unlock()

	if !stale {
		if !status.available {
			return ErrAuthDisabled
		}
		return nil
	}

	available, checkErr := inv.cloud.checkHealth(ctx, api)
	inv.mu.Lock()
	inv.authCache[api] = authStatus{validated: checkErr == nil, available: available, checkedAt: time.Now()}
	inv.mu.Unlock()

	if !available {
		return ErrAuthDisabled
	}
	return nil
}

func (inv *Invoker) markAuthUnavailable(api string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.authCache[api] = authStatus{validated: true, available: false, checkedAt: time.Now()}
}

// ResetAuthCache clears the auth-healthy cache. Tests need this to exercise
// cache expiry and 401 handling deterministically.
func (inv *Invoker) ResetAuthCache() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.authCache = map[string]authStatus{}
}

func mergeParams(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func normalizeAPI(api string) string {
	if api == "" {
		return "openai"
	}
	return api
}
