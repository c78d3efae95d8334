package reasoning

import (
	"context"
	"errors"
	"time"

	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/registry"
)

var (
	// ErrProviderTimeout means the provider did not answer within its budget.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderError wraps any other provider failure.
	ErrProviderError = errors.New("provider error")
	// ErrInvalidBatch means the provider answered with an unusable batch.
	ErrInvalidBatch = errors.New("invalid intent batch")
	// ErrChainExhausted is returned when no provider produced a batch. The
	// accompanying Decision still carries a valid empty batch.
	ErrChainExhausted = errors.New("reasoning chain exhausted")
)

// #region provider

// Provider converts a situational context plus recent history into an intent
// batch. The call budget is carried by ctx's deadline.
type Provider interface {
	Name() string
	Decide(ctx context.Context, sc model.SituationalContext, history []model.ActionResult) (model.Batch, error)
}

// #endregion provider

// #region health

// Health is a provider's standing in the chain.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// MarshalText renders the health name in JSON status output.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// #endregion health

// #region descriptor

// Descriptor is the chain's bookkeeping for one provider.
type Descriptor struct {
	Name                string        `json:"name"`
	Rank                int           `json:"rank"`
	Timeout             time.Duration `json:"timeout"`
	Health              Health        `json:"health"`
	Calls               int           `json:"calls"`
	ConsecutiveBad      int           `json:"consecutive_bad"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastLatency         time.Duration `json:"last_latency"`
	UnavailableSince    time.Time     `json:"unavailable_since,omitempty"`
}

// #endregion descriptor

// #region options

// Options are the chain-wide health thresholds.
type Options struct {
	// DegradeAfter consecutive slow or failing calls move healthy → degraded.
	DegradeAfter int
	// UnavailableAfter consecutive hard failures move degraded → unavailable.
	UnavailableAfter int
	// Cooldown before an unavailable provider is probed again.
	Cooldown time.Duration
	// DegradedTimeoutFactor shrinks a degraded provider's budget.
	DegradedTimeoutFactor float64
	// SlowFraction of the budget above which a successful call counts as slow.
	SlowFraction float64

	OnCall   func(provider, outcome string)
	OnHealth func(provider string, h Health)
}

// DefaultOptions mirrors the shipped configuration.
func DefaultOptions() Options {
	return Options{
		DegradeAfter:          3,
		UnavailableAfter:      3,
		Cooldown:              30 * time.Second,
		DegradedTimeoutFactor: 0.5,
		SlowFraction:          0.8,
	}
}

// ProviderOptions places a provider in the chain.
type ProviderOptions struct {
	Rank    int // lower runs first
	Timeout time.Duration
}

// #endregion options

// #region decision

// Attempt records one provider call inside a decision.
type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  string        `json:"outcome"` // ok, slow, timeout, error, invalid, skipped, probe_failed
	Latency  time.Duration `json:"latency"`
	Err      string        `json:"error,omitempty"`
}

// Decision is the chain's output for one cycle.
type Decision struct {
	Batch    model.Batch `json:"batch"`
	Degraded bool        `json:"degraded"`
	Attempts []Attempt   `json:"attempts"`
}

// #endregion decision

// #region registry

// Spec is what a provider factory receives from the assembled configuration.
type Spec struct {
	Name    string
	Address string
	Options map[string]any
}

// Registry maps provider types ("offline", "grpc") to constructors.
type Registry = registry.Registry[Spec, Provider]

// NewRegistry returns a registry with the built-in provider types.
func NewRegistry() *Registry {
	r := registry.New[Spec, Provider]("provider")
	r.MustRegister("offline", func(s Spec) (Provider, error) {
		return NewOffline(s.Name, OfflineOptionsFrom(s.Options)), nil
	})
	r.MustRegister("grpc", func(s Spec) (Provider, error) {
		return DialGRPCProvider(s.Name, s.Address)
	})
	return r
}

// #endregion registry
