package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/pointsync/internal/syncengine"
	"github.com/mbd888/pointsync/pkg/pointsclient"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		children []string
		runFor   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow balances live until interrupted",
		Long: `watch keeps a push connection open and prints every balance change.
Queued operations from --queue-dir are retried in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := &printer{out: a.out}
			engine, closeQueue, err := a.openEngine(p)
			if err != nil {
				return err
			}
			defer func() { _ = closeQueue() }()

			stream, err := a.client.Stream(engine.Deliver,
				pointsclient.WithStateHandler(p.streamState),
				pointsclient.WithStreamLogger(a.logger),
				pointsclient.WithSubscription(children...),
			)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if runFor > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, runFor)
				defer cancel()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return engine.Run(gctx) })
			g.Go(func() error { return stream.Run(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringSliceVar(&children, "child", nil, "only follow these children")
	cmd.Flags().DurationVar(&runFor, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// printer writes engine and stream notifications as lines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) BalanceChanged(v syncengine.BalanceView) {
	if v.Provisional {
		p.printf("%s: %d (confirmed %d, %d pending)\n", v.ChildKey, v.Shown, v.Confirmed, v.Pending)
		return
	}
	p.printf("%s: %d\n", v.ChildKey, v.Shown)
}

func (p *printer) ConnectivityChanged(offline bool) {
	if offline {
		p.printf("ledger unreachable, changes are queued\n")
		return
	}
	p.printf("ledger reachable\n")
}

func (p *printer) OperationRejected(op syncengine.PendingOperation, err error) {
	p.printf("rejected %s %+d (%s): %v\n", op.ChildKey, op.Signed(), op.Reason, err)
}

func (p *printer) RetriesExhausted(op syncengine.PendingOperation) {
	p.printf("still retrying %s %+d after %d attempts\n", op.ChildKey, op.Signed(), op.Attempts)
}

func (p *printer) streamState(s pointsclient.StreamState) {
	p.printf("push %s\n", s)
}

var _ syncengine.Listener = (*printer)(nil)
