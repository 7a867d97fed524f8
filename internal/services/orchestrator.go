package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
)

// Phase is the orchestrator's lifecycle state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseDiscussion
	PhaseVoting
	PhaseEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscussion:
		return "DISCUSSION"
	case PhaseVoting:
		return "VOTING"
	case PhaseEnd:
		return "END"
	default:
		return "INIT"
	}
}

// Role tags a participant's function in the debate.
type Role string

const (
	RoleGameMaster Role = "gm"
	RoleDebater    Role = "agent"
)

var (
	ErrNoGameMaster        = errors.New("no game master among participants")
	ErrMultipleGameMasters = errors.New("more than one game master among participants")
	ErrStartFailed         = errors.New("orchestrator start failed")
)

// SessionTransport is the slice of Session the orchestrator drives.
type SessionTransport interface {
	Run(ctx context.Context)
	WaitVerified(ctx context.Context) error
	Inbound() <-chan *models.Envelope
	Stop()
}

// RoundDirectory is the slice of Directory the orchestrator drives.
type RoundDirectory interface {
	RegisterAgent(ctx context.Context, roomID, agentID string) error
	ResolveActiveRound(ctx context.Context, roomID string) (*models.Round, error)
	CreateRound(ctx context.Context, roomID, gmID string) (*models.Round, error)
	EndRound(ctx context.Context, roundID string) error
}

// OutboundQueue is the delivery path for a single sender.
type OutboundQueue interface {
	Enqueue(env *models.Envelope)
	Run(ctx context.Context)
}

// Notifier receives orchestrator-level notifications, including the single
// session-ended notice.
type Notifier interface {
	Notify(note models.SystemNotificationContent)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(note models.SystemNotificationContent) {
	event := n.Log.Info()
	if note.Error {
		event = n.Log.Error()
	}
	event.Msg(note.Text)
}

// Participant is one debater or the Game Master, with its own identity,
// transport, delivery queue, directory client, and conversation window.
type Participant struct {
	ID      string
	Name    string
	Role    Role
	Persona string

	Signer    *identity.Signer
	Session   SessionTransport
	Queue     OutboundQueue
	Directory RoundDirectory
	History   *HistoryBuffer
}

// OrchestratorConfig tunes the debate loop.
type OrchestratorConfig struct {
	RoomID          string
	TurnDelay       time.Duration
	RoundDelay      time.Duration
	DiscussionTurns int // round-robin cycles before voting/end; 0 means run until stopped
	PvPChance       float64
	EffectDuration  time.Duration
	VotingEnabled   bool
	VerifyTimeout   time.Duration
	RegisterRetries int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.TurnDelay <= 0 {
		c.TurnDelay = 3 * time.Second
	}
	if c.RoundDelay <= 0 {
		c.RoundDelay = 10 * time.Second
	}
	if c.EffectDuration <= 0 {
		c.EffectDuration = 30 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	if c.RegisterRetries <= 0 {
		c.RegisterRetries = 3
	}
}

// Orchestrator drives the debate: phase transitions, round-robin turn
// sequencing, PvP enactment, and teardown. The turn loop is sequential so
// conversational order is preserved; each participant's transport runs
// concurrently underneath it.
type Orchestrator struct {
	cfg       OrchestratorConfig
	log       zerolog.Logger
	gm        *Participant
	agents    []*Participant
	engine    *PvPEngine
	generator Generator
	notifier  Notifier
	rng       *rand.Rand

	phase atomic.Int32
	round *models.Round

	mu      sync.Mutex
	removed map[string]bool // agents taken out of the round by MURDER

	stop     chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
}

// NewOrchestrator partitions participants into exactly one Game Master and
// zero or more debaters. Construction fails without a single GM.
func NewOrchestrator(log zerolog.Logger, cfg OrchestratorConfig, participants []*Participant, generator Generator, notifier Notifier) (*Orchestrator, error) {
	cfg.applyDefaults()

	var gm *Participant
	var agents []*Participant
	for _, p := range participants {
		switch p.Role {
		case RoleGameMaster:
			if gm != nil {
				return nil, ErrMultipleGameMasters
			}
			gm = p
		default:
			agents = append(agents, p)
		}
	}
	if gm == nil {
		return nil, ErrNoGameMaster
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}

	o := &Orchestrator{
		cfg:       cfg,
		log:       log.With().Str("component", "orchestrator").Logger(),
		gm:        gm,
		agents:    agents,
		generator: generator,
		notifier:  notifier,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		removed:   make(map[string]bool),
		stop:      make(chan struct{}),
	}
	o.engine = NewPvPEngine(log, o)
	return o, nil
}

// Engine exposes the PvP engine for inbound processing and tests.
func (o *Orchestrator) Engine() *PvPEngine {
	return o.engine
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// Round returns the round being debated, once Start succeeded.
func (o *Orchestrator) Round() *models.Round {
	return o.round
}

// Start resolves the room's round, brings every participant's transport to
// VERIFIED behind a registration barrier, and transitions to DISCUSSION.
// Any barrier failure is fatal: no partial starts.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.phase.Store(int32(PhaseInit))

	round, err := o.gm.Directory.ResolveActiveRound(ctx, o.cfg.RoomID)
	if errors.Is(err, ErrNoActiveRound) {
		round, err = o.gm.Directory.CreateRound(ctx, o.cfg.RoomID, o.gm.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: resolve round: %v", ErrStartFailed, err)
	}
	o.round = round

	all := append([]*Participant{o.gm}, o.agents...)
	for _, p := range all {
		if err := o.register(ctx, p); err != nil {
			return fmt.Errorf("%w: register %s: %v", ErrStartFailed, p.ID, err)
		}
		go p.Session.Run(ctx)
		if p.Queue != nil {
			go p.Queue.Run(ctx)
		}
	}

	for _, p := range all {
		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.VerifyTimeout)
		err := p.Session.WaitVerified(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: verify %s: %v", ErrStartFailed, p.ID, err)
		}
		go o.pump(ctx, p)
	}

	o.phase.Store(int32(PhaseDiscussion))
	o.log.Info().Str("round", round.ID).Int("agents", len(o.agents)).Msg("discussion started")
	return nil
}

func (o *Orchestrator) register(ctx context.Context, p *Participant) error {
	var err error
	for attempt := 0; attempt < o.cfg.RegisterRetries; attempt++ {
		if err = p.Directory.RegisterAgent(ctx, o.cfg.RoomID, p.ID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return err
}

// Run executes the discussion loop until the configured turn budget is
// spent or Stop is called, then tears the session down. A single turn's
// failure is logged and the loop proceeds; only Start-time errors are fatal.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.end(ctx)

	for cycle := 0; o.cfg.DiscussionTurns == 0 || cycle < o.cfg.DiscussionTurns; cycle++ {
		if o.stopRequested(ctx) {
			return
		}
		for _, agent := range o.agents {
			if o.stopRequested(ctx) {
				return
			}
			o.takeTurn(ctx, agent)
			if !o.sleep(ctx, o.cfg.TurnDelay) {
				return
			}
		}
		o.engine.Sweep()
		if !o.sleep(ctx, o.cfg.RoundDelay) {
			return
		}
	}

	if o.cfg.VotingEnabled && !o.stopRequested(ctx) {
		o.votingPhase(ctx)
	}
}

func (o *Orchestrator) takeTurn(ctx context.Context, agent *Participant) {
	if o.isRemoved(agent.ID) {
		return
	}
	if agent.Queue == nil {
		o.log.Warn().Str("agent", agent.ID).Msg("turn skipped: no delivery queue")
		return
	}
	if o.engine.IsSuppressed(agent.ID, SuppressOutbound) {
		o.log.Info().Str("agent", agent.ID).Msg("turn skipped: silenced")
		return
	}

	text, err := o.generator.Generate(ctx, agent.Persona, agent.History.Snapshot())
	if err != nil {
		o.log.Warn().Err(err).Str("agent", agent.ID).Msg("turn skipped: generation failed")
		return
	}
	text = o.engine.Mutate(text, agent.ID)

	content := models.AgentMessageContent{
		Timestamp: time.Now().UnixMilli(),
		RoomID:    o.cfg.RoomID,
		RoundID:   o.round.ID,
		AgentID:   agent.ID,
		Text:      text,
	}
	sig, err := agent.Signer.Sign(content.SignedFields())
	if err != nil {
		o.log.Error().Err(err).Str("agent", agent.ID).Msg("turn skipped: signing failed")
		return
	}
	content.Context = agent.History.Snapshot()

	raw, err := json.Marshal(content)
	if err != nil {
		o.log.Error().Err(err).Str("agent", agent.ID).Msg("turn skipped: marshal failed")
		return
	}
	agent.Queue.Enqueue(&models.Envelope{
		Type:      models.TypeAgentMessage,
		Signature: sig,
		Sender:    agent.Signer.Address(),
		Content:   raw,
	})

	o.broadcast(models.HistoryEntry{
		Timestamp: content.Timestamp,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Text:      text,
		Role:      models.RoleAgent,
	}, SuppressInbound)

	o.maybeEnactPvP()
}

// broadcast appends an entry to every participant's window unless an
// unexpired effect blocks that participant's side of the exchange.
func (o *Orchestrator) broadcast(entry models.HistoryEntry, category SuppressionCategory) {
	for _, p := range append([]*Participant{o.gm}, o.agents...) {
		if p.ID != entry.AgentID && o.engine.IsSuppressed(p.ID, category) {
			continue
		}
		p.History.Append(entry)
	}
}

var statusRoster = []models.PvPActionType{
	models.StatusSilence,
	models.StatusDeafen,
	models.StatusPoison,
	models.StatusBlind,
	models.StatusDeceive,
}

var poisonPairs = []models.PoisonDetails{
	{Find: "Bitcoin", Replace: "Dogecoin"},
	{Find: "always", Replace: "never"},
	{Find: "best", Replace: "worst"},
}

// maybeEnactPvP lets the Game Master strike with fixed probability after a
// turn.
func (o *Orchestrator) maybeEnactPvP() {
	if len(o.agents) == 0 || o.rng.Float64() >= o.cfg.PvPChance {
		return
	}

	target := o.agents[o.rng.Intn(len(o.agents))]
	if o.isRemoved(target.ID) {
		return
	}
	action := statusRoster[o.rng.Intn(len(statusRoster))]

	now := time.Now()
	effect := models.PvPEffect{
		EffectID:      uuid.NewString(),
		ActionType:    action,
		SourceAddress: o.gm.Signer.Address(),
		TargetAgentID: target.ID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.cfg.EffectDuration),
	}
	if action == models.StatusPoison {
		pair := poisonPairs[o.rng.Intn(len(poisonPairs))]
		effect.Details = &pair
	}
	if err := o.engine.Apply(effect); err != nil {
		o.log.Warn().Err(err).Msg("pvp enactment rejected")
		return
	}
	o.announcePvP(effect)
}

// announcePvP publishes a signed pvp_action_enacted envelope through the
// GM's delivery queue.
func (o *Orchestrator) announcePvP(effect models.PvPEffect) {
	if o.gm.Queue == nil {
		return
	}
	params := map[string]any{
		"effectId":   effect.EffectID,
		"durationMs": o.cfg.EffectDuration.Milliseconds(),
	}
	if effect.Details != nil {
		params["find"] = effect.Details.Find
		params["replace"] = effect.Details.Replace
		params["case_sensitive"] = effect.Details.CaseSensitive
	}
	content := models.PvPActionEnactedContent{
		Timestamp:         time.Now().UnixMilli(),
		RoomID:            o.cfg.RoomID,
		RoundID:           o.round.ID,
		Instigator:        o.gm.ID,
		InstigatorAddress: o.gm.Signer.Address(),
		Action: models.PvPAction{
			ActionType: effect.ActionType,
			Target:     effect.TargetAgentID,
			Parameters: params,
		},
	}
	sig, err := o.gm.Signer.Sign(content)
	if err != nil {
		o.log.Error().Err(err).Msg("pvp announcement signing failed")
		return
	}
	raw, err := json.Marshal(content)
	if err != nil {
		o.log.Error().Err(err).Msg("pvp announcement marshal failed")
		return
	}
	o.gm.Queue.Enqueue(&models.Envelope{
		Type:      models.TypePvPActionEnacted,
		Signature: sig,
		Sender:    o.gm.Signer.Address(),
		Content:   raw,
	})
}

// votingPhase asks every surviving agent for a verdict via a GM directive.
func (o *Orchestrator) votingPhase(ctx context.Context) {
	o.phase.Store(int32(PhaseVoting))
	o.log.Info().Msg("voting phase")
	if o.gm.Queue == nil {
		o.sleep(ctx, o.cfg.RoundDelay)
		return
	}

	targets := make([]string, 0, len(o.agents))
	for _, a := range o.agents {
		if !o.isRemoved(a.ID) {
			targets = append(targets, a.ID)
		}
	}
	deadline := time.Now().Add(o.cfg.RoundDelay).UnixMilli()
	content := models.GMMessageContent{
		GMID:      o.gm.ID,
		Timestamp: time.Now().UnixMilli(),
		Targets:   targets,
		RoomID:    o.cfg.RoomID,
		RoundID:   o.round.ID,
		Message:   "The discussion is closed. Cast your vote for the strongest argument.",
		Deadline:  &deadline,
	}
	sig, err := o.gm.Signer.Sign(content)
	if err != nil {
		o.log.Error().Err(err).Msg("vote request signing failed")
		return
	}
	raw, _ := json.Marshal(content)
	o.gm.Queue.Enqueue(&models.Envelope{
		Type:      models.TypeGMMessage,
		Signature: sig,
		Sender:    o.gm.Signer.Address(),
		Content:   raw,
	})
	o.sleep(ctx, o.cfg.RoundDelay)
}

// pump consumes one participant's inbound feed: applies remote PvP
// enactments, maintains the participant's conversation window, and drops
// suppressed traffic. Runs until the context or session ends.
func (o *Orchestrator) pump(ctx context.Context, p *Participant) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case env, ok := <-p.Session.Inbound():
			if !ok {
				return
			}
			o.handleInbound(p, env)
		}
	}
}

func (o *Orchestrator) handleInbound(p *Participant, env *models.Envelope) {
	content, err := env.DecodeContent()
	if err != nil {
		o.log.Warn().Err(err).Str("type", string(env.Type)).Msg("dropping invalid inbound content")
		return
	}

	switch msg := content.(type) {
	case *models.AgentMessageContent:
		if o.isLocalAgent(msg.AgentID) {
			return // already appended at send time
		}
		if !identity.Verify(msg.SignedFields(), env.Signature, env.Sender) {
			o.log.Error().Str("sender", env.Sender).Msg("rejecting agent message: signature mismatch")
			return
		}
		if o.engine.IsSuppressed(p.ID, SuppressInbound) {
			return
		}
		p.History.Append(models.HistoryEntry{
			Timestamp: msg.Timestamp,
			AgentID:   msg.AgentID,
			AgentName: msg.AgentID,
			Text:      msg.Text,
			Role:      models.RoleAgent,
		})

	case *models.GMMessageContent:
		if len(msg.Targets) > 0 && !contains(msg.Targets, p.ID) {
			return
		}
		p.History.Append(models.HistoryEntry{
			Timestamp: msg.Timestamp,
			AgentID:   msg.GMID,
			AgentName: msg.GMID,
			Text:      msg.Message,
			Role:      models.RoleGM,
		})

	case *models.ObservationContent:
		if o.engine.IsSuppressed(p.ID, SuppressObservation) {
			return
		}
		p.History.Append(models.HistoryEntry{
			Timestamp: msg.Timestamp,
			AgentID:   msg.AgentID,
			AgentName: msg.ObservationType,
			Text:      string(msg.Data),
			Role:      models.RoleOracle,
		})

	case *models.PvPActionEnactedContent:
		o.applyRemoteEffect(msg)

	case *models.PvPStatusRemovedContent:
		o.engine.Remove(msg.EffectID)

	case *models.SystemNotificationContent:
		if msg.Error {
			o.log.Warn().Str("participant", p.ID).Str("text", msg.Text).Msg("backend notification")
		}

	case *models.ParticipantsContent, *models.HeartbeatContent, *models.SubscribeRoomContent:
		// Transport-level traffic; nothing to sequence.
	}
}

// applyRemoteEffect mirrors an effect enacted elsewhere into the local
// engine. Effects are deduplicated by id so multiple participants' feeds
// don't stack the same effect.
func (o *Orchestrator) applyRemoteEffect(msg *models.PvPActionEnactedContent) {
	if msg.InstigatorAddress == o.gm.Signer.Address() {
		return // locally enacted; already applied
	}
	duration := o.cfg.EffectDuration
	if ms, ok := msg.Action.Parameters["durationMs"].(float64); ok && ms > 0 {
		duration = time.Duration(ms) * time.Millisecond
	}

	effectID := uuid.NewString()
	if id, ok := msg.Action.Parameters["effectId"].(string); ok && id != "" {
		effectID = id
	}
	for _, existing := range o.engine.ActiveEffects(msg.Action.Target) {
		if existing.EffectID == effectID {
			return
		}
	}

	now := time.Now()
	effect := models.PvPEffect{
		EffectID:      effectID,
		ActionType:    msg.Action.ActionType,
		SourceAddress: msg.InstigatorAddress,
		TargetAgentID: msg.Action.Target,
		CreatedAt:     now,
		ExpiresAt:     now.Add(duration),
	}
	if find, ok := msg.Action.Parameters["find"].(string); ok {
		replace, _ := msg.Action.Parameters["replace"].(string)
		caseSensitive, _ := msg.Action.Parameters["case_sensitive"].(bool)
		effect.Details = &models.PoisonDetails{Find: find, Replace: replace, CaseSensitive: caseSensitive}
	}
	if err := o.engine.Apply(effect); err != nil {
		o.log.Warn().Err(err).Msg("remote effect rejected")
	}
}

// HandleAttack delivers a direct taunt into the target's window.
func (o *Orchestrator) HandleAttack(target, sourceAddress string) {
	for _, a := range o.agents {
		if a.ID == target {
			a.History.Append(models.HistoryEntry{
				Timestamp: time.Now().UnixMilli(),
				AgentID:   o.gm.ID,
				AgentName: o.gm.Name,
				Text:      "Your argument crumbles under the slightest scrutiny.",
				Role:      models.RoleGM,
			})
			return
		}
	}
}

// HandleAmnesia wipes the target's conversation window.
func (o *Orchestrator) HandleAmnesia(target string) {
	for _, a := range o.agents {
		if a.ID == target {
			a.History.Clear()
			o.log.Info().Str("agent", target).Msg("amnesia: history cleared")
			return
		}
	}
}

// HandleMurder removes the target from the round. The round itself
// continues with the surviving agents.
func (o *Orchestrator) HandleMurder(target string) {
	o.mu.Lock()
	o.removed[target] = true
	o.mu.Unlock()
	o.log.Info().Str("agent", target).Msg("murdered: removed from round")
}

func (o *Orchestrator) isRemoved(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removed[agentID]
}

func (o *Orchestrator) isLocalAgent(agentID string) bool {
	if agentID == o.gm.ID {
		return true
	}
	for _, a := range o.agents {
		if a.ID == agentID {
			return true
		}
	}
	return false
}

// Stop requests cooperative termination. The loop exits at the next turn
// boundary or mid-delay, and teardown emits exactly one session-ended
// notification.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	select {
	case <-o.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits cancellably; it reports false when the wait was interrupted.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-o.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// end closes the round, clears every window, stops the transports, and
// emits the final notification. Idempotent across Stop/Run races.
func (o *Orchestrator) end(ctx context.Context) {
	o.endOnce.Do(func() {
		o.phase.Store(int32(PhaseEnd))

		if o.round != nil {
			endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := o.gm.Directory.EndRound(endCtx, o.round.ID); err != nil {
				o.log.Warn().Err(err).Msg("round close failed")
			}
			cancel()
		}

		for _, p := range append([]*Participant{o.gm}, o.agents...) {
			p.History.Clear()
			p.Session.Stop()
		}

		o.notifier.Notify(models.SystemNotificationContent{
			Timestamp: time.Now().UnixMilli(),
			Text:      "debate session ended",
		})
		o.log.Info().Msg("session ended")
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
