package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/nocturne-xyz/bundler/api"
	"github.com/nocturne-xyz/bundler/business/domain/admission"
	"github.com/nocturne-xyz/bundler/business/domain/batcher"
	"github.com/nocturne-xyz/bundler/business/domain/submitter"
	"github.com/nocturne-xyz/bundler/business/ledger"
	"github.com/nocturne-xyz/bundler/external/chain"
	"github.com/nocturne-xyz/bundler/external/elastic"
	"github.com/nocturne-xyz/bundler/external/kafka"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/nocturne-xyz/bundler/infrastructure/store/pebbledb"
	"github.com/nocturne-xyz/bundler/infrastructure/store/redisdb"
	"github.com/nocturne-xyz/bundler/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const envPrefix = "NOCTURNE_BUNDLER"

var errShutdown = errors.New("shutdown signal received")

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	zapConfig := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	zapConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	// optional, env vars take precedence over the file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "loading .env file")
	}

	var cfg struct {
		Roles struct {
			Admission bool `conf:"default:true"`
			Batcher   bool `conf:"default:true"`
			Submitter bool `conf:"default:true"`
		}
		Server struct {
			HttpListenAddr   string `conf:"default:0.0.0.0:3000"`
			GrpcListenAddr   string `conf:"default:0.0.0.0:8001"`
			MetricsPort      int    `conf:"default:9999"`
			MetricsNamespace string `conf:"default:nocturne_bundler"`
		}
		Store struct {
			Backend       string `conf:"default:redis"` // redis or pebble
			RedisAddr     string `conf:"default:localhost:6379"`
			RedisPassword string `conf:"optional,noprint"`
			RedisDb       int    `conf:"default:0"`
			KeyPrefix     string `conf:"default:bundler:"`
			Folder        string `conf:"default:store"`
			TxnRetries    int    `conf:"default:10"`
		}
		Broker struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			JobTopic         string   `conf:"default:nocturne-bundler-jobs"`
			ConsumerGroup    string   `conf:"default:nocturne-bundler-submitter"`
			MaxPollRecords   int      `conf:"default:16"`
		}
		Chain struct {
			RpcUrl              string        `conf:"default:http://localhost:8545"`
			HandlerAddress      string        `conf:"default:0x0000000000000000000000000000000000000000"`
			PrivateKey          string        `conf:"optional,noprint"`
			ChainId             int64         `conf:"default:1"`
			Confirmations       uint64        `conf:"default:1"`
			ReceiptTimeout      time.Duration `conf:"default:5m"`
			ReceiptPollInterval time.Duration `conf:"default:2s"`
			GasOverhead         uint64        `conf:"default:200000"`
			GasPriceCacheTtl    time.Duration `conf:"default:10s"`
			GasPriceFloorPct    uint64        `conf:"default:85"`
		}
		Admission struct {
			IgnoreGasPrice    bool          `conf:"default:false"`
			SimulationTimeout time.Duration `conf:"default:10s"`
		}
		Batcher struct {
			PollInterval  time.Duration `conf:"default:1s"`
			MediumSize    int           `conf:"default:8"`
			MediumLatency time.Duration `conf:"default:30s"`
			SlowSize      int           `conf:"default:16"`
			SlowLatency   time.Duration `conf:"default:2m"`
			StagingOrder  []string      `conf:"default:slow;medium;fast"`
		}
		Submitter struct {
			SubmissionAttempts int           `conf:"default:3"`
			RetryDelay         time.Duration `conf:"default:5s"`
			PollDelay          time.Duration `conf:"default:1s"`
		}
		Elastic struct {
			Enabled   bool          `conf:"default:false"`
			Addresses []string      `conf:"default:https://localhost:9200"`
			Username  string        `conf:"default:bundler"`
			Password  string        `conf:"optional,noprint"`
			IndexName string        `conf:"default:nocturne-bundler-operations"`
			Timeout   time.Duration `conf:"default:10s"`
		}
	}

	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	batcherConfig := batcher.Config{
		PollInterval:  cfg.Batcher.PollInterval,
		MediumSize:    cfg.Batcher.MediumSize,
		MediumLatency: cfg.Batcher.MediumLatency,
		SlowSize:      cfg.Batcher.SlowSize,
		SlowLatency:   cfg.Batcher.SlowLatency,
	}
	batcherConfig.StagingOrder, err = batcher.ParseStagingOrder(strings.Join(cfg.Batcher.StagingOrder, ","))
	if err != nil {
		return errors.Wrap(err, "parsing staging order")
	}
	if err := batcherConfig.Validate(); err != nil {
		return errors.Wrap(err, "validating batcher config")
	}
	submitterConfig := submitter.Config{
		SubmissionAttempts: cfg.Submitter.SubmissionAttempts,
		RetryDelay:         cfg.Submitter.RetryDelay,
		PollDelay:          cfg.Submitter.PollDelay,
	}
	if err := submitterConfig.Validate(); err != nil {
		return errors.Wrap(err, "validating submitter config")
	}
	if !common.IsHexAddress(cfg.Chain.HandlerAddress) {
		return errors.Errorf("invalid handler address [%s]", cfg.Chain.HandlerAddress)
	}

	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDb,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return errors.Wrap(err, "connecting to redis")
		}
		st = redisdb.NewStore(rdb, cfg.Store.KeyPrefix, cfg.Store.TxnRetries)
	case "pebble":
		sLogger.Warnw("main: Using embedded store. All roles must run in this process.")
		st, err = pebbledb.NewStore(cfg.Store.Folder)
		if err != nil {
			return errors.Wrap(err, "creating pebble store")
		}
	default:
		return errors.Errorf("unknown store backend [%s]", cfg.Store.Backend)
	}
	defer st.Close()

	ethClient, err := ethclient.Dial(cfg.Chain.RpcUrl)
	if err != nil {
		return errors.Wrap(err, "dialing chain rpc")
	}
	defer ethClient.Close()

	handler, err := chain.NewHandler(common.HexToAddress(cfg.Chain.HandlerAddress))
	if err != nil {
		return errors.Wrap(err, "creating handler binding")
	}
	chainID := big.NewInt(cfg.Chain.ChainId)

	var signer *chain.LocalECDSASigner
	if cfg.Chain.PrivateKey != "" {
		signer, err = chain.NewLocalECDSASignerFromHex(chainID, cfg.Chain.PrivateKey)
		if err != nil {
			return errors.Wrap(err, "creating signer")
		}
	} else if cfg.Roles.Submitter {
		return errors.New("submitter role requires a private key")
	}

	clock := clockwork.NewRealClock()
	m := metrics.NewMetrics(cfg.Server.MetricsNamespace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Roles.Admission {
		var from common.Address
		if signer != nil {
			from = signer.From()
		}
		validator := admission.NewValidator(st,
			chain.NewSimulator(ethClient, handler, from),
			chain.NewGasPriceOracle(ethClient, cfg.Chain.GasPriceCacheTtl, cfg.Chain.GasPriceFloorPct),
			clock,
			admission.Config{
				IgnoreGasPrice:    cfg.Admission.IgnoreGasPrice,
				SimulationTimeout: cfg.Admission.SimulationTimeout,
			},
			m, sLogger)
		router := api.NewRouter(api.NewHandler(validator, ledger.New(st), sLogger))
		server := &http.Server{Addr: cfg.Server.HttpListenAddr, Handler: router}
		g.Go(func() error {
			sLogger.Infow("main: Starting relay server", "addr", cfg.Server.HttpListenAddr)
			return serve(gctx, server)
		})
	} else {
		sLogger.Warnw("main: Admission disabled")
	}

	if cfg.Roles.Batcher {
		kcl, err := kgo.NewClient(
			kgo.WithHooks(newKafkaMetrics(cfg.Server.MetricsNamespace, "producer")),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.JobTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
			kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka producer")
		}
		defer kcl.Close()

		scheduler := batcher.NewScheduler(st, kafka.NewClient(kcl), clock, batcherConfig, m, sLogger)
		g.Go(func() error {
			return scheduler.Start(gctx)
		})
	} else {
		sLogger.Warnw("main: Batcher disabled")
	}

	if cfg.Roles.Submitter {
		kcl, err := kgo.NewClient(
			kgo.WithHooks(newKafkaMetrics(cfg.Server.MetricsNamespace, "consumer")),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.ConsumeTopics(cfg.Broker.JobTopic),
			kgo.ConsumerGroup(cfg.Broker.ConsumerGroup),
			kgo.BlockRebalanceOnPoll(),
			kgo.DisableAutoCommit(),
			kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka consumer")
		}
		defer kcl.Close()

		adapter := chain.NewAdapter(ethClient, signer, handler, clock, chain.Config{
			ChainID:             chainID,
			Confirmations:       cfg.Chain.Confirmations,
			ReceiptTimeout:      cfg.Chain.ReceiptTimeout,
			ReceiptPollInterval: cfg.Chain.ReceiptPollInterval,
			GasOverhead:         cfg.Chain.GasOverhead,
		}, sLogger)

		var audit submitter.AuditIndexer
		if cfg.Elastic.Enabled {
			elasticClient, err := elastic.NewClient(cfg.Elastic.Addresses, cfg.Elastic.Username, cfg.Elastic.Password, cfg.Elastic.IndexName, cfg.Elastic.Timeout)
			if err != nil {
				return errors.Wrap(err, "creating elastic client")
			}
			audit = elasticClient
		}

		worker := submitter.NewSubmitter(st, kafka.NewConsumer(kcl, cfg.Broker.MaxPollRecords, sLogger), adapter, audit, clock, submitterConfig, m, sLogger)
		g.Go(func() error {
			return worker.Start(gctx)
		})
	} else {
		sLogger.Warnw("main: Submitter disabled")
	}

	g.Go(func() error {
		return serveHealth(gctx, cfg.Server.GrpcListenAddr, sLogger)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: mux}
		sLogger.Infow("main: Starting metrics server", "port", cfg.Server.MetricsPort)
		return serve(gctx, server)
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			return errShutdown
		}
		return nil
	})

	sLogger.Infow("main: Service started.")
	err = g.Wait()
	if errors.Is(err, errShutdown) {
		sLogger.Infow("main: Received shutdown signal, shutting down...")
		return nil
	}
	return err
}

// serve runs the server until the context is cancelled.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "serving on [%s]", server.Addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func serveHealth(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	srv := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	reflection.Register(srv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listening on grpc port")
	}
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("main: Starting grpc health server", "addr", addr)
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving grpc listener")
	case <-ctx.Done():
		healthServer.Shutdown()
		srv.GracefulStop()
		return nil
	}
}

func newKafkaMetrics(namespace, subsystem string) *kprom.Metrics {
	return kprom.NewMetrics(namespace,
		kprom.Subsystem(subsystem),
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
}
