package server

import (
	"context"

	"github.com/mbd888/pointsync/internal/ledger"
	"github.com/mbd888/pointsync/internal/realtime"
)

// hubPublisher fans committed mutations out to push sessions.
type hubPublisher struct {
	hub *realtime.Hub
}

func (p *hubPublisher) PublishMutation(_ context.Context, rec *ledger.MutationRecord, originSession string) {
	p.hub.Publish(appliedEvent(rec, originSession), originSession)
}

var _ ledger.Publisher = (*hubPublisher)(nil)

// lookupMutation lets the hub check client notices against the ledger.
func (s *Server) lookupMutation(ctx context.Context, seq int64) (realtime.MutationApplied, error) {
	rec, err := s.ledger.Record(ctx, seq)
	if err != nil {
		return realtime.MutationApplied{}, err
	}
	return appliedEvent(rec, ""), nil
}

func appliedEvent(rec *ledger.MutationRecord, originSession string) realtime.MutationApplied {
	return realtime.MutationApplied{
		SequenceID:      rec.SequenceID,
		ChildKey:        rec.ChildKey,
		Direction:       string(rec.Direction),
		Delta:           rec.Delta,
		AppliedDelta:    rec.AppliedDelta,
		NewTotal:        rec.BalanceAfter,
		Clamped:         rec.Clamped,
		Reason:          rec.Reason,
		ClientOpID:      rec.ClientOpID,
		OccurredAt:      rec.OccurredAt,
		OriginSessionID: originSession,
	}
}
