package handofftest

import (
	"context"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

// StubDataWriter binds a fake data-writer on peer's own topic, answering
// every ArchiveSegment with result. The real data writer lives outside
// this process entirely; this stub exists only so fuzzy/ scenarios can
// exercise a full forward-and-acknowledge cycle without standing one up.
func (c *Cluster) StubDataWriter(name types.PeerName, result types.ArchiveResult) {
	p, ok := c.Peers[name]
	if !ok {
		c.T.Fatalf("handofftest: no such peer %s", name)
	}
	topic := types.DataWriterTopic(name)
	p.Server.Bind(topic, func(ctx context.Context, msg bus.Message) {
		req, err := wire.UnmarshalArchiveSegment(msg.Body)
		if err != nil {
			return
		}
		reply := types.ArchiveSegmentReply{RequestID: req.RequestID, Result: result}
		_ = p.Bus.Broadcast(ctx, req.ReplyTopic, wire.MarshalArchiveSegmentReply(reply))
	})
}
