package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"

	"github.com/ahmadzakiakmal/custody/app"
	"github.com/ahmadzakiakmal/custody/config"
	"github.com/ahmadzakiakmal/custody/coordinator"
	"github.com/ahmadzakiakmal/custody/gateway"
	"github.com/ahmadzakiakmal/custody/registry"
	"github.com/ahmadzakiakmal/custody/repository"
	"github.com/ahmadzakiakmal/custody/server"
	"github.com/ahmadzakiakmal/custody/session"
	service_registry "github.com/ahmadzakiakmal/custody/srvreg"
)

const (
	modeEmbedded = "embedded"
	modeNode     = "node"
	modeRemote   = "remote"
)

var (
	configPath string
	ledgerMode string
	homeDir    string
	httpPort   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the custody config file")
	flag.StringVar(&ledgerMode, "ledger", modeEmbedded, "Ledger mode: embedded, node or remote")
	flag.StringVar(&homeDir, "cmt-home", "", "Path to the CometBFT config directory (overrides node.home)")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port (overrides http.port)")
}

// ledger is what every mode hands to the rest of the process.
type ledger struct {
	client  gateway.NodeClient
	network session.NetworkReader
	info    server.LedgerInfo
	stop    func()
}

func main() {
	// Load Config
	flag.Parse()

	conf, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}
	if homeDir != "" {
		conf.Node.Home = homeDir
	}
	if httpPort != "" {
		conf.HTTP.Port = httpPort
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	var l *ledger
	switch ledgerMode {
	case modeEmbedded:
		l, err = openEmbedded(conf, logger)
	case modeNode:
		l, err = startNode(conf, logger)
	case modeRemote:
		l, err = dialRemote(conf, logger)
	default:
		err = fmt.Errorf("unknown ledger mode %q", ledgerMode)
	}
	if err != nil {
		log.Fatalf("Opening ledger: %v", err)
	}
	defer l.stop()

	// Connect Postgresql journal
	var journal coordinator.Journal
	var lister service_registry.SubmissionLister
	if conf.Journal.DSN != "" {
		repo := repository.NewRepository()
		if err := repo.ConnectDB(conf.Journal.DSN); err != nil {
			log.Fatalf("Connecting journal: %v", err)
		}
		defer repo.Close()
		if err := repo.Migrate(); err != nil {
			log.Fatalf("Migrating journal: %v", err)
		}
		journal, lister = repo, repo
	}

	wallet, err := session.NewKeyring(conf.Wallet.Mnemonic, conf.Wallet.Accounts, nil)
	if err != nil {
		log.Fatalf("Opening wallet: %v", err)
	}
	sessions := session.NewManager(wallet, l.network, conf.Ledger.Deployments, logger.With("module", "session"))
	gw := gateway.New(l.client, sessions, logger.With("module", "gateway"),
		gateway.WithReadLimit(conf.Ledger.ReadsPerSecond, conf.Ledger.ReadBurst))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache := registry.New(gw, reg, logger.With("module", "registry"))
	coord := coordinator.New(coordinator.Config{
		WriteTimeout: conf.Ledger.WriteTimeout,
		Journal:      journal,
		Registerer:   reg,
	}, gw, cache, sessions, logger.With("module", "coordinator"))

	// Initialize Service Registry
	serviceRegistry := service_registry.NewServiceRegistry(sessions, cache, coord, lister, logger.With("module", "api"))
	serviceRegistry.RegisterDefaultServices()

	// Start Web Server
	webserver := server.NewWebServer(conf.HTTP.Port, ledgerMode, l.info, serviceRegistry, reg, logger.With("module", "http"))
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}

// openEmbedded runs the ledger application in-process over a badger store
// under the node home.
func openEmbedded(conf *config.Config, logger cmtlog.Logger) (*ledger, error) {
	db, err := badger.Open(badger.DefaultOptions(filepath.Join(conf.Node.Home, "badger")))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	application := app.NewABCIApplication(db, &app.AppConfig{ChainID: conf.Ledger.NetworkID}, logger.With("module", "ledger"))
	client, err := app.NewLocalClient(application)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Embedded ledger ready", "chain", application.ChainID(), "contract", application.ContractAddress(), "height", client.Height())

	return &ledger{
		client:  client,
		network: client,
		info:    client,
		stop: func() {
			if err := db.Close(); err != nil {
				logger.Error("Closing database", "err", err)
			}
		},
	}, nil
}

// startNode runs a full CometBFT node with the ledger application attached.
func startNode(conf *config.Config, logger cmtlog.Logger) (*ledger, error) {
	home := conf.Node.Home
	if home == "" {
		home = os.ExpandEnv("$HOME/.cometbft")
	}
	nodeConfig := cfg.DefaultConfig()
	nodeConfig.SetRoot(home)
	v := viper.New()
	v.SetConfigFile(filepath.Join(home, "config", "config.toml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}
	if err := v.Unmarshal(nodeConfig); err != nil {
		return nil, fmt.Errorf("decoding node config: %w", err)
	}
	if err := nodeConfig.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}

	db, err := badger.Open(badger.DefaultOptions(filepath.Join(home, "badger")))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The chain id comes from genesis through InitChain.
	application := app.NewABCIApplication(db, &app.AppConfig{}, logger.With("module", "ledger"))

	pv := privval.LoadFilePV(
		nodeConfig.PrivValidatorKeyFile(),
		nodeConfig.PrivValidatorStateFile(),
	)
	nodeKey, err := p2p.LoadNodeKey(nodeConfig.NodeKeyFile())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load node's key: %w", err)
	}

	nodeLogger, err := cmtflags.ParseLogLevel(nodeConfig.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		nodeConfig,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(application),
		nm.DefaultGenesisDocProviderFunc(nodeConfig),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(nodeConfig.Instrumentation),
		nodeLogger,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating node: %w", err)
	}
	if err := node.Start(); err != nil {
		db.Close()
		return nil, fmt.Errorf("starting node: %w", err)
	}

	rpcClient := cmtrpc.New(node)
	return &ledger{
		client:  rpcClient,
		network: gateway.RPCNetwork{Client: rpcClient},
		info:    rpcClient,
		stop: func() {
			if err := node.Stop(); err != nil {
				logger.Error("Stopping node", "err", err)
			}
			node.Wait()
			if err := db.Close(); err != nil {
				logger.Error("Closing database", "err", err)
			}
		},
	}, nil
}

// dialRemote talks to an already running node over its RPC endpoint.
func dialRemote(conf *config.Config, logger cmtlog.Logger) (*ledger, error) {
	client, err := gateway.Dial(conf.Ledger.Host, conf.Ledger.Port, conf.Ledger.WriteTimeout)
	if err != nil {
		return nil, err
	}
	logger.Info("Using remote ledger", "host", conf.Ledger.Host, "port", conf.Ledger.Port)
	return &ledger{
		client:  client,
		network: gateway.RPCNetwork{Client: client},
		info:    client,
		stop:    func() {},
	}, nil
}
