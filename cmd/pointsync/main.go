// Command pointsync is the household points client: it applies point
// changes, reads balances and history, and can stay connected to follow
// live updates.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/pointsync/internal/idgen"
	"github.com/mbd888/pointsync/internal/logging"
	"github.com/mbd888/pointsync/internal/syncengine"
	"github.com/mbd888/pointsync/pkg/pointsclient"
)

// app holds what every subcommand needs once flags and config are merged.
type app struct {
	cfg    cliConfig
	out    io.Writer
	logger *slog.Logger
	client *pointsclient.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out}
	var configPath string

	root := &cobra.Command{
		Use:          "pointsync",
		Short:        "Track and sync household points",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			explicit := cmd.Flags().Changed("config")
			path := configPath
			if !explicit {
				path = defaultConfigPath()
			}
			cfg, err := loadCLIConfig(path, explicit)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			if cfg.Session == "" {
				cfg.Session = idgen.SessionID()
			}

			a.cfg = cfg
			a.logger = logging.NewWithWriter(errOut, cfg.LogLevel, "text")
			a.client = pointsclient.NewClient(cfg.Server)
			a.client.Password = cfg.Password
			a.client.SessionID = cfg.Session
			a.client.SetTimeout(cfg.Timeout)
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.pointsync/config.yaml)")
	pf.String("server", "", "points server base URL")
	pf.String("password", "", "access password (or POINTSYNC_PASSWORD)")
	pf.String("session", "", "session ID used to suppress this client's own pushes")
	pf.Duration("timeout", pointsclient.DefaultTimeout, "per-request timeout")
	pf.String("queue-dir", "", "directory for the durable pending-operation queue")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.applyCmd(),
		a.balancesCmd(),
		a.historyCmd(),
		a.pendingCmd(),
		a.reconcileCmd(),
		a.watchCmd(),
	)
	return root
}

// openEngine builds a sync engine over the HTTP client. With a queue
// directory, operations that could not reach the ledger survive restarts.
func (a *app) openEngine(listener syncengine.Listener) (*syncengine.Engine, func() error, error) {
	var queue syncengine.Queue = syncengine.NewMemoryQueue()
	if a.cfg.QueueDir != "" {
		bq, err := syncengine.OpenBadgerQueue(syncengine.BadgerOptions{
			Path:   a.cfg.QueueDir,
			Logger: a.logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open queue: %w", err)
		}
		queue = bq
	}

	engine, err := syncengine.New(a.client, syncengine.Config{
		SessionID:      a.cfg.Session,
		CallTimeout:    a.cfg.Timeout,
		ResyncInterval: a.cfg.ResyncInterval,
	},
		syncengine.WithQueue(queue),
		syncengine.WithListener(listener),
		syncengine.WithLogger(a.logger),
	)
	if err != nil {
		_ = queue.Close()
		return nil, nil, err
	}
	return engine, queue.Close, nil
}

// requestContext bounds a one-shot command.
func (a *app) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.cfg.Timeout+5*time.Second)
}
