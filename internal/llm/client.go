// Package llm provides the LLM client used by every generation stage.
// Model selection is resolved from (role, tier) by the client; callers
// never name concrete models.
package llm

import (
	"context"
	"fmt"
	"time"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// Options tunes a single generation call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Client is the single operation the kernel needs from an LLM back-end.
type Client interface {
	// Generate produces a completion for the prompt. The concrete model is
	// resolved from role and tier.
	Generate(ctx context.Context, role types.Role, tier types.Tier, prompt string, opts Options) (string, error)
}

// Router maps a capability tier to a concrete model name.
type Router struct {
	models map[types.Tier]string
}

// NewRouter builds a router from a tier->model table. Missing tiers fall
// back to the nearest configured lower tier.
func NewRouter(models map[string]string) *Router {
	r := &Router{models: make(map[types.Tier]string)}
	for k, v := range models {
		r.models[types.Tier(k)] = v
	}
	return r
}

// tierOrder is the fallback chain from weakest to strongest.
var tierOrder = []types.Tier{types.TierVeryFast, types.TierFast, types.TierPowerful, types.TierGod}

// Resolve returns the model for a tier. Roles bias the tier upward: the
// god role always resolves to the strongest configured model.
func (r *Router) Resolve(role types.Role, tier types.Tier) (string, error) {
	if role == types.RoleGod {
		tier = types.TierGod
	}
	if m, ok := r.models[tier]; ok && m != "" {
		return m, nil
	}
	// Walk down the chain to the strongest configured model at or below
	// the requested tier, then walk up if nothing was found.
	idx := len(tierOrder) - 1
	for i, t := range tierOrder {
		if t == tier {
			idx = i
			break
		}
	}
	for i := idx; i >= 0; i-- {
		if m, ok := r.models[tierOrder[i]]; ok && m != "" {
			return m, nil
		}
	}
	for i := idx + 1; i < len(tierOrder); i++ {
		if m, ok := r.models[tierOrder[i]]; ok && m != "" {
			return m, nil
		}
	}
	return "", fmt.Errorf("no model configured for tier %q", tier)
}

// retryBackoff wraps a generation call with bounded retries and
// exponential backoff. Transient failures surface after maxRetries.
func retryBackoff(ctx context.Context, maxRetries int, call func() (string, error)) (string, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	delay := time.Second
	for attempt := 1; attempt <= maxRetries; attempt++ {
		out, err := call()
		if err == nil {
			return out, nil
		}
		lastErr = err
		logging.Get(logging.CategoryAPI).Warn("LLM call attempt %d/%d failed: %v", attempt, maxRetries, err)
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", fmt.Errorf("llm call failed after %d attempts: %w", maxRetries, lastErr)
}
