package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"daofund/config"
	"daofund/core/types"
	"daofund/native/fund"
	"daofund/native/oracle"
	"daofund/observability"
	"daofund/observability/logging"
	"daofund/storage"
)

func main() {
	configFile := flag.String("config", "./fund.toml", "Path to the configuration file")
	useMemDB := flag.Bool("mem", false, "Run against an in-memory database instead of LevelDB")
	demo := flag.Bool("demo", false, "Replay a demo lifecycle against the engine and print the results")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FUND_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}

	var logger *slog.Logger
	if dir := strings.TrimSpace(cfg.LogDir); dir != "" {
		logger = logging.Setup("fundsim", env, &lumberjack.Logger{
			Filename:   filepath.Join(dir, "fundsim.log"),
			MaxSize:    64, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	} else {
		logger = logging.Setup("fundsim", env, nil)
	}

	params, err := cfg.Parameters()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var db storage.Database
	if *useMemDB {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("failed to open database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	store := fund.NewStore(db)
	prices := oracle.NewStatic(params.StaticPrices)

	engine := fund.NewEngine(params.ModuleAddress, params.Roles, cfg.CollateralToken, cfg.PrimaryToken)
	engine.SetState(store)
	engine.SetOracle(prices)
	engine.SetFundraisingConfig(params.Fundraising)
	engine.SetDistributionConfig(params.Distribution)
	engine.SetCurveParams(params.Curve)
	engine.SetPauses(cfg.Pauses)
	engine.SetEmitter(observability.NewEmitter(logger))

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go func() {
			logger.Info("serving metrics", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	st, err := engine.Snapshot()
	if err != nil {
		logger.Error("failed to read fund state", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("fund state loaded",
		slog.String("stage", st.Stage.String()),
		slog.String("total_shares", st.TotalShares.String()),
		slog.String("share_price", st.SharePrice.String()),
	)

	if *demo {
		sim := &simulator{
			engine:     engine,
			store:      store,
			logger:     logger,
			roles:      params.Roles,
			module:     params.ModuleAddress,
			collateral: cfg.CollateralToken,
			primary:    cfg.PrimaryToken,
		}
		if err := sim.run(); err != nil {
			logger.Error("demo failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}

// simulator replays a complete fund lifecycle against a fresh database:
// fundraise, exchange, activate, sell into the curve, queue an exit and
// distribute revenue.
type simulator struct {
	engine     *fund.Engine
	store      *fund.Store
	logger     *slog.Logger
	roles      fund.Roles
	module     [20]byte
	collateral string
	primary    string
}

// demoIssuance exchanges collateral for the primary asset one-for-one. It
// stands in for the external issuance contract during simulations.
type demoIssuance struct{}

func (demoIssuance) BuyPrimaryAsset(amount *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (demoIssuance) CurrentPrice() (*big.Int, error) {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), nil
}

func (demoIssuance) LockEndTime() (int64, error) { return 0, nil }

func (demoIssuance) WithdrawAll() (*big.Int, error) { return big.NewInt(0), nil }

func demoAddr(b byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = b
	}
	return addr
}

func demoTokens(n int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func (s *simulator) seed(addr [20]byte, token string, amount *big.Int) error {
	account, err := s.store.GetAccount(addr)
	if err != nil {
		return err
	}
	if account == nil {
		account = types.NewAccount()
	}
	account.SetBalance(token, new(big.Int).Add(account.Balance(token), amount))
	return s.store.PutAccount(addr, account)
}

func (s *simulator) run() error {
	s.engine.SetIssuance(demoIssuance{})
	s.engine.SetNowFunc(func() int64 { return time.Now().Unix() })
	metrics := observability.Fund()

	alice := demoAddr(0x01)
	bob := demoAddr(0x02)
	trader := demoAddr(0x03)

	if err := s.seed(alice, s.collateral, demoTokens(600)); err != nil {
		return err
	}
	if err := s.seed(bob, s.collateral, demoTokens(400)); err != nil {
		return err
	}
	if err := s.seed(trader, s.primary, demoTokens(50)); err != nil {
		return err
	}

	for _, step := range []struct {
		owner  [20]byte
		amount *big.Int
	}{{alice, demoTokens(600)}, {bob, demoTokens(400)}} {
		shares, err := s.engine.Deposit(step.owner, step.amount)
		if err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		metrics.RecordDeposit("fundraising")
		s.logger.Info("deposited", slog.String("shares", shares.String()))
	}

	if _, err := s.engine.BeginExchange(s.roles.Admin); err != nil {
		return fmt.Errorf("begin exchange: %w", err)
	}
	if err := s.engine.FinishExchange(s.roles.Admin); err != nil {
		return fmt.Errorf("finish exchange: %w", err)
	}
	if err := s.engine.ActivateTrading(s.roles.Creator); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	// LP revenue funds the curve buy and later the distribution.
	if err := s.seed(s.module, s.collateral, demoTokens(200)); err != nil {
		return err
	}

	proceeds, err := s.engine.SellPrimaryAsset(trader, demoTokens(50), nil)
	if err != nil {
		return fmt.Errorf("sell: %w", err)
	}
	st, err := s.engine.Snapshot()
	if err != nil {
		return err
	}
	cache, ok, err := s.store.CurveCacheGet()
	if err != nil {
		return err
	}
	if ok {
		metrics.RecordSale(cache.Level)
	}
	s.logger.Info("curve sale settled",
		slog.String("proceeds", proceeds.String()),
		slog.String("total_sold", st.TotalSold.String()),
	)

	if _, err := s.engine.RequestExit(bob); err != nil {
		return fmt.Errorf("request exit: %w", err)
	}
	profit, err := s.engine.DistributeProfits(s.roles.Admin, s.collateral)
	if err != nil {
		return fmt.Errorf("distribute: %w", err)
	}
	metrics.RecordDistribution(s.collateral)
	s.logger.Info("profits distributed", slog.String("profit", profit.String()))

	final, err := s.engine.Snapshot()
	if err != nil {
		return err
	}
	s.logger.Info("demo complete",
		slog.String("stage", final.Stage.String()),
		slog.String("total_shares", final.TotalShares.String()),
		slog.String("share_price", final.SharePrice.String()),
		slog.String("queue_len", fmt.Sprintf("%d", final.QueueLen)),
	)
	return nil
}
