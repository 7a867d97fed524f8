package services

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/models"
)

// SuppressionCategory names a message direction a status effect can block.
type SuppressionCategory int

const (
	// SuppressOutbound blocks an agent's own messages (SILENCE).
	SuppressOutbound SuppressionCategory = iota
	// SuppressInbound blocks agent-to-agent messages reaching the target (DEAFEN).
	SuppressInbound
	// SuppressObservation blocks observation delivery to the target (BLIND).
	SuppressObservation
)

// DirectActionHandler executes one-shot PvP actions against their target.
// Handlers run synchronously inside Apply and must not call back into the
// engine.
type DirectActionHandler interface {
	HandleAttack(target, sourceAddress string)
	HandleAmnesia(target string)
	HandleMurder(target string)
}

// PvPEngine owns the per-target status effect lists. Effects expire lazily
// on every read against the wall clock; Sweep additionally prunes
// long-expired entries for memory hygiene.
type PvPEngine struct {
	log     zerolog.Logger
	handler DirectActionHandler
	now     func() time.Time

	mu      sync.Mutex
	effects map[string][]models.PvPEffect
}

// NewPvPEngine creates an engine. handler may be nil when no component
// executes direct actions (e.g. a relay-only deployment).
func NewPvPEngine(log zerolog.Logger, handler DirectActionHandler) *PvPEngine {
	return &PvPEngine{
		log:     log.With().Str("component", "pvp").Logger(),
		handler: handler,
		now:     time.Now,
		effects: make(map[string][]models.PvPEffect),
	}
}

// Apply enacts an effect. Direct actions execute immediately and are not
// retained; status effects join the target's list until expiry.
func (e *PvPEngine) Apply(effect models.PvPEffect) error {
	if !effect.ActionType.Known() {
		return fmt.Errorf("pvp: unknown action type %q", effect.ActionType)
	}

	if effect.ActionType.Direct() {
		e.runDirect(effect)
		return nil
	}

	e.mu.Lock()
	e.effects[effect.TargetAgentID] = append(e.effects[effect.TargetAgentID], effect)
	e.mu.Unlock()

	e.log.Info().
		Str("effect", string(effect.ActionType)).
		Str("target", effect.TargetAgentID).
		Time("expiresAt", effect.ExpiresAt).
		Msg("status effect applied")
	return nil
}

func (e *PvPEngine) runDirect(effect models.PvPEffect) {
	if e.handler == nil {
		e.log.Warn().
			Str("effect", string(effect.ActionType)).
			Str("target", effect.TargetAgentID).
			Msg("direct action dropped: no handler")
		return
	}
	switch effect.ActionType {
	case models.ActionAttack:
		e.handler.HandleAttack(effect.TargetAgentID, effect.SourceAddress)
	case models.ActionAmnesia:
		e.handler.HandleAmnesia(effect.TargetAgentID)
	case models.ActionMurder:
		e.handler.HandleMurder(effect.TargetAgentID)
	}
}

// Remove drops a status effect by id, honoring an explicit
// pvp_status_removed notification ahead of natural expiry.
func (e *PvPEngine) Remove(effectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for target, list := range e.effects {
		kept := list[:0]
		for _, eff := range list {
			if eff.EffectID != effectID {
				kept = append(kept, eff)
			}
		}
		e.effects[target] = kept
	}
}

// IsSuppressed reports whether any unexpired effect blocks the given
// direction for the agent.
func (e *PvPEngine) IsSuppressed(agentID string, category SuppressionCategory) bool {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, eff := range e.effects[agentID] {
		if eff.Expired(now) {
			continue
		}
		switch {
		case category == SuppressOutbound && eff.ActionType == models.StatusSilence:
			return true
		case category == SuppressInbound && eff.ActionType == models.StatusDeafen:
			return true
		case category == SuppressObservation && eff.ActionType == models.StatusBlind:
			return true
		}
	}
	return false
}

// Mutate runs every unexpired POISON effect targeting the agent over text,
// in the order the effects were inserted. The result is deterministic for a
// fixed text and effect set.
func (e *PvPEngine) Mutate(text, agentID string) string {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, eff := range e.effects[agentID] {
		if eff.ActionType != models.StatusPoison || eff.Expired(now) || eff.Details == nil {
			continue
		}
		pattern := regexp.QuoteMeta(eff.Details.Find)
		if !eff.Details.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.log.Warn().Err(err).Str("effect", eff.EffectID).Msg("poison pattern rejected")
			continue
		}
		text = re.ReplaceAllString(text, eff.Details.Replace)
	}
	return text
}

// Deceived reports whether an unexpired DECEIVE effect targets the agent,
// so consumers can treat the agent's presented persona as untrusted.
func (e *PvPEngine) Deceived(agentID string) bool {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, eff := range e.effects[agentID] {
		if eff.ActionType == models.StatusDeceive && !eff.Expired(now) {
			return true
		}
	}
	return false
}

// ActiveEffects returns a copy of the unexpired effects targeting the agent.
func (e *PvPEngine) ActiveEffects(agentID string) []models.PvPEffect {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.PvPEffect
	for _, eff := range e.effects[agentID] {
		if !eff.Expired(now) {
			out = append(out, eff)
		}
	}
	return out
}

// Sweep prunes expired effects from every target list.
func (e *PvPEngine) Sweep() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for target, list := range e.effects {
		kept := list[:0]
		for _, eff := range list {
			if !eff.Expired(now) {
				kept = append(kept, eff)
			}
		}
		if len(kept) == 0 {
			delete(e.effects, target)
			continue
		}
		e.effects[target] = kept
	}
}
