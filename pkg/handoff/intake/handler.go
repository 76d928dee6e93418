// Package intake implements the Hint Intake Handler: the synchronous,
// one-request-one-reply path that accepts a HintedHandoff request,
// durably stores it, and replies with its outcome. Every request that
// decodes produces exactly one response value back to the caller; a
// body that fails to decode is logged and dropped without a reply.
package intake

import (
	"context"
	"errors"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/store"
	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

// Handler processes HintedHandoff requests arriving on this node's own
// handoff_server.<self> topic.
type Handler struct {
	log  types.Logger
	repo store.Repository
	bus  bus.Bus
}

func New(repo store.Repository, b bus.Bus, log types.Logger) *Handler {
	return &Handler{log: log, repo: repo, bus: b}
}

// Handle decodes msg as a HintedHandoff, stores it, and replies on
// ReplyTopic. Never returns an error to the caller: a store failure is
// represented in the reply body instead. A body that does not decode as
// a HintedHandoff is logged and dropped, and no reply is sent.
func (h *Handler) Handle(ctx context.Context, msg bus.Message) {
	req, err := wire.UnmarshalHintedHandoff(msg.Body)
	if err != nil {
		h.log.Errorf("intake: malformed HintedHandoff on %q: %v", msg.RoutingKey, err)
		return
	}

	reply := h.process(req)
	h.reply(ctx, req, reply)
}

func (h *Handler) process(req types.HintedHandoff) types.HintedHandoffReply {
	_, err := h.repo.Store(req.DestPeer, req.Timestamp, req.AvatarID, req.Key, req.VersionNumber, req.SegmentNumber, req.PayloadRef)
	if err == nil {
		return types.HintedHandoffReply{RequestID: req.RequestID, Result: types.IntakeSuccessful}
	}

	h.log.Warnf("intake: store failed for %s dest=%s: %v", req.RequestID, req.DestPeer, err)
	switch {
	case errors.Is(err, types.ErrStorageFull):
		return types.HintedHandoffReply{RequestID: req.RequestID, Result: types.IntakeErrorStorageFull, ErrorMessage: err.Error()}
	default:
		return types.HintedHandoffReply{RequestID: req.RequestID, Result: types.IntakeErrorException, ErrorMessage: err.Error()}
	}
}

func (h *Handler) reply(ctx context.Context, req types.HintedHandoff, reply types.HintedHandoffReply) {
	// Answers are published on the requester's own ReplyTopic, not
	// addressed by peer name: only the requester is bound to that
	// routing key.
	body := wire.MarshalHintedHandoffReply(reply)
	if err := h.bus.Broadcast(ctx, req.ReplyTopic, body); err != nil {
		h.log.Errorf("intake: failed replying to %s: %v", req.RequestID, err)
	}
}
