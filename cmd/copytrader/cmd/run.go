package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/copytrader/api"
	"github.com/rustyeddy/copytrader/broker/oanda"
	"github.com/rustyeddy/copytrader/config"
	"github.com/rustyeddy/copytrader/copier"
	"github.com/rustyeddy/copytrader/events"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/pkg/logger"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/stream"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the copy engine",
	Long: `Start copying trades for every active source account.

Each source is streamed and polled; fills are recorded once and replicated
to the source's active mirrors. Stop with Ctrl-C.

Example:
  copytrader run -c copytrader.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// app is the wired engine shared by run and trade retry.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *journal.SQLite
	factory *oanda.Factory
	bus     *events.Bus
	engine  *copier.Engine
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		factory: oanda.NewFactory(cfg.OANDAOptions()),
		bus:     events.NewBus(256, log),
	}
	scaler := risk.NewScaleCalculator(cfg.Scaling.DynamicMin, cfg.Scaling.DynamicMax, log)
	dispatcher := copier.NewDispatcher(store, a.factory, scaler, a.cfg.Engine().RequestTimeout, a.bus, log)
	a.engine = copier.NewEngine(cfg.Engine(), store, a.factory, dispatcher, a.bus, log)
	return a, nil
}

func (a *app) Close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("close db")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources, err := a.store.ListSourceAccounts(ctx, true)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"sources":   len(sources),
		"streaming": a.cfg.Stream.Enabled,
		"db":        a.cfg.Database.Path,
	}).Info("starting copytrader")

	g, gctx := errgroup.WithContext(ctx)

	var (
		manager *stream.Manager
		status  api.StreamStatuser
	)
	if a.cfg.Stream.Enabled {
		manager = stream.NewManager(a.cfg.StreamManager(), a.factory, a.engine, a.bus, a.log)
		status = manager
		manager.Sync(gctx, sources)
		g.Go(func() error {
			manager.Watch(gctx, a.store, a.cfg.Engine().PollInterval)
			return nil
		})
	}

	g.Go(func() error { return a.engine.Run(gctx) })

	if a.cfg.API.Enabled {
		srv := api.New(a.cfg.APIServer(), a.store, a.engine, status, a.bus, a.log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		logEvents(gctx, a.bus, a.log)
		return nil
	})

	err = g.Wait()
	if manager != nil {
		manager.StopAll()
		manager.Wait()
	}
	if err != nil && err != context.Canceled {
		return err
	}
	a.log.Info("copytrader stopped")
	return nil
}

// logEvents mirrors stream status changes and errors into the log.
func logEvents(ctx context.Context, bus *events.Bus, log logrus.FieldLogger) {
	id, feed := bus.Subscribe()
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			switch e.Type {
			case events.StreamStatus:
				log.WithFields(logrus.Fields{
					"source":  e.SourceAccountID,
					"status":  e.Status,
					"attempt": e.Attempt,
				}).Info("stream status")
			case events.Error:
				log.WithField("source", e.SourceAccountID).Error(e.Message)
			}
		}
	}
}
