package plugins

import (
	"context"
	"sync"

	"github.com/grafana/queryrunner/pkg/models"
)

// TargetGroup tracks the targets of one request that answer
// independently. A response without a state, or with state Done,
// finishes its target; it is forwarded as Loading while other targets are
// still pending and as Done once none are. Streaming and error responses
// also finish their target but keep their state.
type TargetGroup struct {
	sender ResponseSender

	mu      sync.Mutex
	pending int
}

// NewTargetGroup returns a group for n targets sending to sender.
func NewTargetGroup(sender ResponseSender, n int) *TargetGroup {
	return &TargetGroup{sender: sender, pending: n}
}

// Sender returns the sender of one target. Each target must use its own.
func (g *TargetGroup) Sender() ResponseSender {
	return &targetSender{group: g}
}

type targetSender struct {
	group    *TargetGroup
	finished bool
}

func (s *targetSender) Send(ctx context.Context, resp *models.DataQueryResponse) error {
	if resp == nil {
		return nil
	}
	g := s.group
	// Held while sending so a later Done cannot overtake an earlier Loading.
	g.mu.Lock()
	defer g.mu.Unlock()

	if resp.State == models.LoadingStateLoading {
		return g.sender.Send(ctx, resp)
	}
	if !s.finished {
		s.finished = true
		g.pending--
	}
	if resp.Error == nil && (resp.State == "" || resp.State == models.LoadingStateDone) {
		cp := *resp
		cp.State = models.LoadingStateDone
		if g.pending > 0 {
			cp.State = models.LoadingStateLoading
		}
		resp = &cp
	}
	return g.sender.Send(ctx, resp)
}
