package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
)

var (
	ErrNoActiveRound = errors.New("no active round")
	ErrRoomNotFound  = errors.New("room not found")
	ErrBackend       = errors.New("backend error")
)

// Directory is a client-side mirror of the backend's room and round state.
// One Directory is constructed per participant; its signer authenticates
// every mutating request.
type Directory struct {
	log     zerolog.Logger
	baseURL string
	client  *http.Client
	signer  *identity.Signer

	pollAttempts int
	pollBase     time.Duration
}

// NewDirectory creates a directory client against baseURL.
func NewDirectory(log zerolog.Logger, baseURL string, signer *identity.Signer, pollAttempts int, pollBase time.Duration) *Directory {
	if pollAttempts <= 0 {
		pollAttempts = 5
	}
	if pollBase <= 0 {
		pollBase = 500 * time.Millisecond
	}
	return &Directory{
		log:          log.With().Str("component", "directory").Logger(),
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 15 * time.Second},
		signer:       signer,
		pollAttempts: pollAttempts,
		pollBase:     pollBase,
	}
}

// signedRequest is the body shape for mutating non-envelope requests. The
// signature covers the canonical serialization of Content.
type signedRequest struct {
	Content   any    `json:"content"`
	Signature string `json:"signature"`
	Sender    string `json:"sender"`
}

func (d *Directory) sign(content any) (*signedRequest, error) {
	sig, err := d.signer.Sign(content)
	if err != nil {
		return nil, err
	}
	return &signedRequest{Content: content, Signature: sig, Sender: d.signer.Address()}, nil
}

// CreateRoom registers a new debate room and returns it.
func (d *Directory) CreateRoom(ctx context.Context, cfg models.RoomConfig) (*models.Room, error) {
	body, err := d.sign(map[string]any{
		"timestamp":     time.Now().UnixMilli(),
		"roundDuration": cfg.RoundDuration.Milliseconds(),
		"pvpEnabled":    cfg.PvPEnabled,
	})
	if err != nil {
		return nil, err
	}
	var room models.Room
	if err := d.do(ctx, http.MethodPost, "/rooms", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// RegisterAgent adds this participant to the room's membership. The call is
// idempotent: an already-registered response counts as success.
func (d *Directory) RegisterAgent(ctx context.Context, roomID, agentID string) error {
	body, err := d.sign(map[string]any{
		"roomId":    roomID,
		"agentId":   agentID,
		"address":   d.signer.Address(),
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	err = d.do(ctx, http.MethodPost, "/rooms/"+roomID+"/agents", body, nil)
	if err != nil && isAlreadyRegistered(err) {
		d.log.Debug().Str("agent", agentID).Msg("agent already registered")
		return nil
	}
	return err
}

func isAlreadyRegistered(err error) bool {
	var backendErr *backendError
	return errors.As(err, &backendErr) && backendErr.status == http.StatusConflict
}

// ActiveRound performs a single query for the room's OPEN round. A 404 for
// the room itself surfaces as ErrRoomNotFound, not ErrNoActiveRound.
func (d *Directory) ActiveRound(ctx context.Context, roomID string) (*models.Round, error) {
	var round models.Round
	err := d.do(ctx, http.MethodGet, "/rooms/"+roomID+"/rounds/active", nil, &round)
	if err != nil {
		var backendErr *backendError
		if errors.As(err, &backendErr) && backendErr.status == http.StatusNotFound {
			if backendErr.message == "room not found" {
				return nil, ErrRoomNotFound
			}
			return nil, ErrNoActiveRound
		}
		return nil, err
	}
	if !round.Active() {
		return nil, ErrNoActiveRound
	}
	return &round, nil
}

// ResolveActiveRound polls until the room has exactly one OPEN round,
// within a bounded retry budget. It fails with ErrNoActiveRound instead of
// blocking indefinitely.
func (d *Directory) ResolveActiveRound(ctx context.Context, roomID string) (*models.Round, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.pollBase
	bo.MaxElapsedTime = 0

	round, err := backoff.RetryWithData(func() (*models.Round, error) {
		round, err := d.ActiveRound(ctx, roomID)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				// Polling cannot conjure the room; give up now.
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return round, nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.pollAttempts-1)), ctx))
	if err != nil {
		if errors.Is(err, ErrNoActiveRound) || errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve active round: %w", err)
	}
	return round, nil
}

// CreateRound opens a new round. A conflict response means another open
// round already exists; that round is returned as success-by-idempotence.
func (d *Directory) CreateRound(ctx context.Context, roomID, gmID string) (*models.Round, error) {
	body, err := d.sign(map[string]any{
		"roomId":    roomID,
		"gmId":      gmID,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	var round models.Round
	err = d.do(ctx, http.MethodPost, "/rooms/"+roomID+"/rounds", body, &round)
	if err != nil {
		var backendErr *backendError
		if errors.As(err, &backendErr) && backendErr.status == http.StatusConflict {
			return d.ActiveRound(ctx, roomID)
		}
		return nil, err
	}
	return &round, nil
}

// EndRound closes the round; closed rounds are immutable.
func (d *Directory) EndRound(ctx context.Context, roundID string) error {
	body, err := d.sign(map[string]any{
		"roundId":   roundID,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return d.do(ctx, http.MethodPost, "/rounds/"+roundID+"/end", body, nil)
}

// RoundAgents fetches the agent-id to address membership for a round's room.
func (d *Directory) RoundAgents(ctx context.Context, roundID string) (map[string]string, error) {
	agents := map[string]string{}
	if err := d.do(ctx, http.MethodGet, "/rounds/"+roundID+"/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// RoundMessages fetches the retained message history for a round.
func (d *Directory) RoundMessages(ctx context.Context, roundID string) ([]*models.Envelope, error) {
	var envs []*models.Envelope
	if err := d.do(ctx, http.MethodGet, "/rounds/"+roundID+"/messages", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// PostEnvelope delivers a signed envelope to the backend's message intake.
// This is the SendFunc the delivery queue drains through.
func (d *Directory) PostEnvelope(ctx context.Context, env *models.Envelope) error {
	var path string
	switch env.Type {
	case models.TypeAgentMessage:
		path = "/messages/agent"
	case models.TypeGMMessage:
		path = "/messages/gm"
	case models.TypeObservation:
		path = "/messages/observation"
	case models.TypePvPActionEnacted:
		path = "/messages/pvp"
	default:
		return fmt.Errorf("unpostable envelope type %q", env.Type)
	}
	return d.do(ctx, http.MethodPost, path, env, nil)
}

type backendError struct {
	status  int
	message string
}

func (e *backendError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.status, e.message)
}

func (e *backendError) Unwrap() error { return ErrBackend }

// do issues one request and decodes the uniform {message, data, error}
// response shape into out when provided.
func (d *Directory) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var apiResp models.APIResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &apiResp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 || apiResp.Error != "" {
		msg := apiResp.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &backendError{status: resp.StatusCode, message: msg}
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
