// Package conversation runs the send pipeline: guard, optimistic append,
// chat call, resolve.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/ashureev/aura-client/internal/gateway"
	"github.com/ashureev/aura-client/internal/guard"
	"github.com/ashureev/aura-client/internal/timeline"
)

// ErrNotSignedIn is returned when there is no identity to send as.
var ErrNotSignedIn = errors.New("sign in to talk to your tutor")

// ChatSender sends one prompt. The gateway client satisfies it.
type ChatSender interface {
	SendChat(ctx context.Context, text, identityID string) gateway.ChatResult
}

// IdentitySource reports the active identity. The session store satisfies it.
type IdentitySource interface {
	IdentityID() string
}

// Service submits prompts and settles their timeline entries.
type Service struct {
	guard    *guard.Guard
	timeline *timeline.Reconciler
	chat     ChatSender
	identity IdentitySource
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a conversation service.
func New(g *guard.Guard, rec *timeline.Reconciler, chat ChatSender, identity IdentitySource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		guard:    g,
		timeline: rec,
		chat:     chat,
		identity: identity,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit validates text, appends a pending entry and sends it in the
// background. It returns the entry id as soon as the entry is in place.
func (s *Service) Submit(ctx context.Context, rateKey, text string) (string, error) {
	id, identityID, prompt, err := s.prepare(rateKey, text)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(s.ctx, id, identityID, prompt)
	}()
	return id, nil
}

// Send is the synchronous form of Submit and returns the settled entry.
// A failed chat call is not an error; the entry carries the failure.
func (s *Service) Send(ctx context.Context, rateKey, text string) (domain.Entry, error) {
	id, identityID, prompt, err := s.prepare(rateKey, text)
	if err != nil {
		return domain.Entry{}, err
	}
	s.send(ctx, id, identityID, prompt)

	e, ok := s.timeline.Entry(id)
	if !ok {
		return domain.Entry{}, timeline.ErrIdentityChanged
	}
	return e, nil
}

// Remaining returns how many more prompts rateKey may submit right now.
func (s *Service) Remaining(rateKey string) int {
	return s.guard.Remaining(rateKey)
}

// Retry re-sends a failed entry's prompt into the same slot.
func (s *Service) Retry(ctx context.Context, id string) error {
	identityID := s.identity.IdentityID()
	if identityID == "" {
		return ErrNotSignedIn
	}
	if identityID != s.timeline.IdentityID() {
		return timeline.ErrIdentityChanged
	}

	prompt, err := s.timeline.PrepareRetry(id)
	if err != nil {
		return err
	}

	s.logger.Info("Retrying message", "user_id", identityID, "entry_id", id)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(s.ctx, id, identityID, prompt)
	}()
	return nil
}

func (s *Service) prepare(rateKey, text string) (id, identityID, prompt string, err error) {
	identityID = s.identity.IdentityID()
	if identityID == "" {
		return "", "", "", ErrNotSignedIn
	}
	if identityID != s.timeline.IdentityID() {
		return "", "", "", timeline.ErrIdentityChanged
	}

	prompt, err = s.guard.Check(rateKey, text)
	if err != nil {
		return "", "", "", err
	}

	id, err = s.timeline.AppendLive(prompt)
	if err != nil {
		return "", "", "", err
	}
	return id, identityID, prompt, nil
}

func (s *Service) send(ctx context.Context, id, identityID, prompt string) {
	res := s.chat.SendChat(ctx, prompt, identityID)
	if !res.Success {
		s.logger.Warn("Chat failed, showing fallback",
			"user_id", identityID,
			"entry_id", id,
			"kind", gateway.KindOf(res.Err),
			"error", gateway.UserMessage(res.Err),
		)
	}

	err := s.timeline.ResolveLive(id, timeline.Outcome{
		Success:  res.Success,
		Response: res.Response,
		Routing:  res.Routing,
	})
	switch {
	case err == nil:
	case errors.Is(err, timeline.ErrNotFound):
		s.logger.Debug("entry left the timeline before its reply arrived", "entry_id", id)
	default:
		s.logger.Warn("failed to resolve entry", "entry_id", id, "error", err)
	}
}

// Wait blocks until every background send has settled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background sends and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
