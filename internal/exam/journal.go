package exam

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"examgate/internal/queue"
)

// ConsumeTransitions drains transition messages from q into j until ctx is
// done. Undecodable messages are logged and dropped.
func ConsumeTransitions(ctx context.Context, q queue.Queue, j Journal, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if msg.Type != queue.TypeTransition {
			continue
		}
		var tr Transition
		if err := json.Unmarshal(msg.Body, &tr); err != nil {
			log.Warn("dropping malformed transition", zap.Error(err))
			continue
		}
		if err := j.Append(ctx, tr); err != nil {
			log.Error("journal append failed",
				zap.String("transition_id", tr.ID),
				zap.String("session_id", tr.SessionID),
				zap.Error(err))
			continue
		}
		log.Debug("journaled transition", zap.String("op", tr.Op), zap.String("session_id", tr.SessionID))
	}
	return nil
}
