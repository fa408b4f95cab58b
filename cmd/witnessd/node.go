package witnessd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/chain/evm"
	"github.com/certusone/wormhole/witnessd/pkg/common"
	"github.com/certusone/wormhole/witnessd/pkg/config"
	"github.com/certusone/wormhole/witnessd/pkg/db"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/readiness"
	"github.com/certusone/wormhole/witnessd/pkg/retrier"
	"github.com/certusone/wormhole/witnessd/pkg/supervisor"
	"github.com/certusone/wormhole/witnessd/pkg/version"
	"github.com/certusone/wormhole/witnessd/pkg/witness"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	configFile *string
	dataDir    *string
	statusAddr *string
	logLevel   *string
	logFormat  *string
	submitRPC  *string

	initialEpoch      *uint32
	initialEpochStart *uint64

	// fileConfig carries the settings read by InitFileConfig that have no flag.
	fileConfig *viper.Viper
)

func init() {
	configFile = NodeCmd.Flags().String("config", "", "Path to the config file (yaml or json)")
	dataDir = NodeCmd.Flags().String("dataDir", "", "Data directory (required)")
	statusAddr = NodeCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for status server (disabled if blank)")
	logLevel = NodeCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
	logFormat = NodeCmd.Flags().String("logFormat", "console", "Log output format (console, golog)")
	submitRPC = NodeCmd.Flags().String("submitRPC", "", "JSON-RPC endpoint receiving witnesses (witnesses are only logged if blank)")

	initialEpoch = NodeCmd.Flags().Uint32("initialEpoch", 0, "Epoch started at boot, unless a newer epoch is already known")
	initialEpochStart = NodeCmd.Flags().Uint64("initialEpochStart", 0, "First block index of --initialEpoch")
}

// NodeCmd represents the node command
var NodeCmd = &cobra.Command{
	Use:     "node",
	Short:   "Run the witnessd node",
	PreRunE: initNodeConfig,
	Run:     runNode,
}

func initNodeConfig(cmd *cobra.Command, args []string) error {
	v, err := config.InitFileConfig(cmd, config.FileOptions{
		FilePath:  *configFile,
		EnvPrefix: "WITNESSD",
	})
	if err != nil {
		return err
	}
	fileConfig = v
	return nil
}

// chainRunner is everything the node starts for one chain.
type chainRunner struct {
	id       chain.ID
	health   chain.HealthReporter
	poller   supervisor.Runnable
	pipeline supervisor.Runnable
}

func runNode(cmd *cobra.Command, args []string) {
	logger, err := newRootLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger.Info("witnessd starting", zap.String("version", version.String()))

	if *dataDir == "" {
		logger.Fatal("Please specify --dataDir")
	}

	cfg, err := config.Load(fileConfig)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	rootCtx, rootCtxCancel := context.WithCancel(context.Background())
	defer rootCtxCancel()

	readiness.RegisterComponent(readiness.StorageOpen)
	readiness.RegisterComponent(readiness.EpochsRestored)
	readiness.RegisterComponent(readiness.SubmitterOnline)

	database := db.OpenDb(logger.With(zap.String("component", "db")), *dataDir)
	defer database.Close()
	readiness.SetReady(readiness.StorageOpen)

	monitor := epochs.NewMonitor(logger.Named("epochs"), db.NewEpochDB(database.Conn()))

	// The monitor owns all epoch state for the lifetime of the process. It is
	// not restartable, so a failure is fatal.
	fatalErrC := make(chan error, 2)
	common.RunWithScissors(rootCtx, fatalErrC, "epoch_monitor", monitor.Run)

	active, err := monitor.ActiveEpochs(rootCtx)
	if err != nil {
		logger.Fatal("failed to restore epochs", zap.Error(err))
	}
	readiness.SetReady(readiness.EpochsRestored)
	logger.Info("restored epochs", zap.Int("active", len(active)))

	if cmd.Flags().Changed("initialEpochStart") {
		err := monitor.StartEpoch(rootCtx, *initialEpoch, *initialEpochStart)
		if errors.Is(err, epochs.ErrEpochOutOfOrder) {
			logger.Warn("ignoring --initialEpoch, a newer epoch is known", zap.Error(err))
		} else if err != nil {
			logger.Fatal("failed to start initial epoch", zap.Error(err))
		}
	}

	var submitter witness.Submitter
	if *submitRPC != "" {
		s, err := witness.DialSubmitter(rootCtx, *submitRPC)
		if err != nil {
			logger.Fatal("failed to connect to submission endpoint", zap.Error(err))
		}
		defer s.Close()
		submitter = s
	} else {
		logger.Warn("no --submitRPC configured, witnesses are only logged")
		submitter = witness.LogSubmitter{Logger: logger.Named("witness")}
	}
	readiness.SetReady(readiness.SubmitterOnline)

	completions := make(chan retrier.Completion, 1024)

	runners := make([]chainRunner, 0, len(cfg.Chains))
	endpoints := make(map[chain.ID]chain.HealthReporter)
	for i := range cfg.Chains {
		r, err := newEVMChain(rootCtx, logger, &cfg.Chains[i], database, monitor, submitter, completions)
		if err != nil {
			logger.Fatal("failed to set up chain", zap.String("chain", cfg.Chains[i].Name), zap.Error(err))
		}
		runners = append(runners, r)
		endpoints[r.id] = r.health
	}

	if *statusAddr != "" {
		srv := newStatusServer(*statusAddr, logger.Named("status"), monitor, readiness.Default, endpoints)
		go func() {
			logger.Info("status server listening", zap.String("addr", *statusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server crashed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	// Handle SIGTERM
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigterm
		logger.Info("received sigterm. exiting.")
		rootCtxCancel()
	}()

	supervisor.New(rootCtx, logger, func(ctx context.Context) error {
		for _, r := range runners {
			r := r
			// The poller and the pipeline subscribed to it fail and restart together.
			if err := supervisor.Run(ctx, fmt.Sprintf("chain_%s", r.id), func(ctx context.Context) error {
				if err := supervisor.RunGroup(ctx, map[string]supervisor.Runnable{
					"poller":   r.poller,
					"pipeline": r.pipeline,
				}); err != nil {
					return err
				}
				supervisor.Signal(ctx, supervisor.SignalHealthy)
				<-ctx.Done()
				return ctx.Err()
			}); err != nil {
				return err
			}
		}

		if err := supervisor.Run(ctx, "completions", completionLogger(completions)); err != nil {
			return err
		}

		logger.Info("started internal services", zap.Int("chains", len(runners)))
		supervisor.Signal(ctx, supervisor.SignalHealthy)

		<-ctx.Done()
		return nil
	})

	select {
	case <-rootCtx.Done():
	case err := <-fatalErrC:
		logger.Error("epoch monitor stopped", zap.Error(err))
		rootCtxCancel()
	}
	logger.Info("root context cancelled, exiting...")
}

func newEVMChain(
	ctx context.Context,
	logger *zap.Logger,
	cc *config.ChainConfig,
	database *db.Database,
	monitor *epochs.Monitor,
	submitter witness.Submitter,
	completions chan<- retrier.Completion,
) (chainRunner, error) {
	id := cc.ID()

	conns := make([]evm.NamedConnector, 0, len(cc.RPC))
	for _, url := range cc.RPC {
		c, err := evm.DialConnector(ctx, url)
		if err != nil {
			return chainRunner{}, err
		}
		conns = append(conns, evm.NamedConnector{URL: url, Conn: c})
	}
	pool := evm.NewPool(logger, id, conns)
	source := evm.NewSource(logger, id, pool, cc.EVMConfig())

	categories := make([]witness.Category[evm.BlockData], 0, len(cc.Categories))
	for _, cat := range cc.Categories {
		extract, ok := witness.EVMExtractors[chain.Category(cat.Name)]
		if !ok {
			return chainRunner{}, fmt.Errorf("unknown category %q", cat.Name)
		}
		categories = append(categories, witness.Category[evm.BlockData]{
			Name:    chain.Category(cat.Name),
			Retry:   cat.RetryConfig(),
			Extract: extract,
		})
	}

	safetyCfg, err := cc.SafetyConfig()
	if err != nil {
		return chainRunner{}, err
	}
	var finality chain.FinalitySource
	if cc.Finality != "" {
		finality = source
	}

	pipeline, err := witness.NewChainPipeline[evm.BlockData](
		logger,
		id,
		witness.PipelineConfig{
			Regularizer: cc.RegularizerConfig(),
			Safety:      safetyCfg,
			Chunker:     cc.ChunkerOptions(),
			Source:      cc.SourceOptions(),
		},
		source,
		finality,
		monitor,
		db.NewRetryDB(database.Conn(), id),
		submitter,
		categories,
		completions,
	)
	if err != nil {
		return chainRunner{}, err
	}

	return chainRunner{
		id:       id,
		health:   source,
		poller:   source.Run,
		pipeline: pipeline.Run,
	}, nil
}

func completionLogger(completions <-chan retrier.Completion) supervisor.Runnable {
	return func(ctx context.Context) error {
		logger := supervisor.Logger(ctx)
		supervisor.Signal(ctx, supervisor.SignalHealthy)
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-completions:
				logger.Debug("index witnessed",
					zap.String("chain", string(c.Chain)),
					zap.String("category", string(c.Category)),
					zap.Uint32("epoch", c.Epoch),
					zap.Uint64("index", c.Index),
					zap.Stringer("hash", c.Hash),
					zap.Uint32("attempts", c.Attempts))
			}
		}
	}
}
