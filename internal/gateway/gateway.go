// Package gateway receives decision events from the messaging channel and
// re-enters the engine by correlation key. It is the only component that
// maps channel identity onto instances, so the principal check lives here.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/pkg/api"
)

// Event is one inbound decision callback from the messaging channel.
type Event struct {
	// CorrelationKey is the opaque key minted when the approval request
	// was sent. It is the only thing the channel knows about an instance.
	CorrelationKey string

	// Principal is the channel-asserted user identity.
	Principal string

	Decision api.DecisionInput
}

// Resolution is the gateway's answer to a decision event.
type Resolution struct {
	InstanceID string
	Outcome    *api.Outcome

	// Duplicate is set when the event re-delivered a decision that was
	// already applied; the outcome is the recorded one.
	Duplicate bool
}

// Gateway resolves decision events against open correlations.
type Gateway struct {
	engine       api.Engine
	correlations persistence.CorrelationStore
	instances    persistence.InstanceStore
	obs          api.Observer
}

// New creates a Gateway. A nil observer defaults to no-op.
func New(engine api.Engine, p persistence.Persistence, obs api.Observer) *Gateway {
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Gateway{
		engine:       engine,
		correlations: p.Correlations,
		instances:    p.Instances,
		obs:          obs,
	}
}

// HandleEvent validates and routes one decision event.
//
// An unknown correlation key yields a StaleCallbackError with reason
// "unknown"; a key whose instance was already resolved yields the recorded
// outcome with Duplicate set, so re-delivered callbacks are harmless. A
// principal that does not match the instance's user is rejected before the
// engine is touched.
func (g *Gateway) HandleEvent(ctx context.Context, ev Event) (*Resolution, error) {
	if ev.CorrelationKey == "" {
		return nil, errors.New("event has no correlation key")
	}
	if !ev.Decision.Decision.Valid() {
		return nil, fmt.Errorf("invalid decision: %q", ev.Decision.Decision)
	}

	corr, err := g.correlations.GetCorrelation(ctx, ev.CorrelationKey)
	if err != nil {
		if errors.Is(err, persistence.ErrCorrelationNotFound) {
			return g.handleClosed(ctx, ev)
		}
		return nil, err
	}

	if ev.Principal != "" && ev.Principal != corr.UserID {
		return nil, api.ErrPrincipalMismatch
	}

	out, err := g.engine.Resume(ctx, corr.InstanceID, ev.Decision)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		InstanceID: corr.InstanceID,
		Outcome:    out,
		Duplicate:  out.Duplicate,
	}, nil
}

// handleClosed distinguishes a key that never existed from one whose
// correlation was consumed by an earlier decision.
func (g *Gateway) handleClosed(ctx context.Context, ev Event) (*Resolution, error) {
	inst, err := g.instances.GetInstanceByCorrelation(ctx, ev.CorrelationKey)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, &api.StaleCallbackError{
				CorrelationKey: ev.CorrelationKey,
				Reason:         "unknown",
			}
		}
		return nil, err
	}

	if ev.Principal != "" && ev.Principal != inst.UserID {
		return nil, api.ErrPrincipalMismatch
	}

	// The correlation is gone but the instance remembers its outcome.
	// Resume replays it without re-executing anything.
	out, err := g.engine.Resume(ctx, inst.ID, ev.Decision)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		InstanceID: inst.ID,
		Outcome:    out,
		Duplicate:  true,
	}, nil
}
