package guard

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/core"
)

// MessageContextGuard creates the persistent audit row for this request and
// snapshots the pre-redirect model name exactly once per session lifetime.
func MessageContextGuard(ctx context.Context, s *core.Session, deps *Deps) (*Outcome, error) {
	s.SetOriginalModelName(s.Model)

	if deps.MsgRepo == nil || s.Auth.User == nil {
		return nil, nil
	}

	mr := &core.MessageRequest{
		ID:              uuid.NewString(),
		SessionID:       s.SessionID,
		RequestSequence: s.CurrentSequence(),
		StartedAt:       s.StartedAt,
		OriginalModel:   s.OriginalModelName(),
		Context1M:       s.Context1MRequested,
		ProviderChain:   s.ChainSnapshot(),
	}
	if s.Provider != nil {
		mr.FinalModel = s.Model
		id := s.Provider.ID
		mr.FinalProviderID = &id
	}

	userID := s.Auth.User.ID
	keyID := ""
	if s.Auth.Key != nil {
		keyID = s.Auth.Key.ID
	}

	mr.UserID = userID
	mr.KeyID = keyID
	if err := deps.MsgRepo.CreateMessageRequest(ctx, mr, userID, keyID); err != nil {
		deps.Logger.Warn("message request persistence failed", zap.Error(err))
	}
	s.MessageRequest = mr

	return nil, nil
}
