package graph

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Tree is the history and future of one output.
type Tree struct {
	Origin    models.Outpoint `json:"origin"`
	Backward  *TraceGraph     `json:"backward"`
	Forward   *TraceGraph     `json:"forward"`
	Truncated bool            `json:"truncated"`
}

// BuildTree runs a backward and a forward trace from origin concurrently.
// The Direction of each Options is overridden. Both traces draw on one pool
// of the smaller of the two fan-outs.
func BuildTree(ctx context.Context, idx ledger.Index, origin models.Outpoint, backward, forward Options) (*Tree, error) {
	backward = backward.withDefaults()
	forward = forward.withDefaults()
	backward.Direction = Backward
	forward.Direction = Forward
	idx = ledger.NewLimited(idx, min(backward.Fanout, forward.Fanout))

	t := &Tree{Origin: origin}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tg, err := BuildTrace(gctx, idx, origin, backward)
		if err != nil {
			return err
		}
		t.Backward = tg
		return nil
	})
	g.Go(func() error {
		tg, err := BuildTrace(gctx, idx, origin, forward)
		if err != nil {
			return err
		}
		t.Forward = tg
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	t.Truncated = t.Backward.Truncated || t.Forward.Truncated
	return t, nil
}
