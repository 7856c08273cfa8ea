package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"novapulse/config"
	"novapulse/internal/api"
	"novapulse/internal/confluence"
	"novapulse/internal/engine"
	"novapulse/internal/exchange"
	"novapulse/internal/executor"
	"novapulse/internal/ledger"
	"novapulse/internal/logging"
	"novapulse/internal/market"
	"novapulse/internal/risk"
	"novapulse/internal/strategies"
	"novapulse/internal/vault"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	writeConfig := flag.Bool("write-config", false, "write a sample config to the given path and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.WriteSample(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "writing sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sample config written to %s\n", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().
		Str("mode", cfg.Mode.TradingMode).
		Strs("pairs", cfg.Trading.Pairs).
		Msg("novapulse starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, id sequencing and mirroring degrade gracefully")
		}
	}

	var mirror *ledger.Mirror
	if cfg.Ledger.MirrorEnabled && rdb != nil {
		mirror = ledger.NewMirror(rdb, cfg.Ledger.MirrorStream, cfg.Ledger.MirrorMaxLen, logger)
		defer mirror.Close()
	}

	led, err := ledger.New(ctx, ledger.Config{
		DatabaseURL:   cfg.Ledger.DatabaseURL,
		WriteTimeout:  time.Duration(cfg.Ledger.WriteTimeoutSecs) * time.Second,
		Tenant:        cfg.Ledger.Tenant,
		MirrorEnabled: mirror != nil,
		MirrorStream:  cfg.Ledger.MirrorStream,
		MirrorMaxLen:  cfg.Ledger.MirrorMaxLen,
	}, mirror, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger init failed")
	}
	defer led.Close()

	apiKey, apiSecret := cfg.Exchange.APIKey, cfg.Exchange.APISecret
	if cfg.IsLive() && cfg.Vault.Enabled {
		vc, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault init failed")
		}
		creds, err := vc.ExchangeCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault credential lookup failed")
		}
		apiKey, apiSecret = creds.APIKey, creds.APISecret
		logger.Info().Msg("exchange credentials resolved from vault")
	}
	if cfg.IsLive() && (apiKey == "" || apiSecret == "") {
		logger.Fatal().Msg("live mode requires exchange credentials")
	}

	client := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:        cfg.Exchange.BaseURL,
		APIKey:         apiKey,
		APISecret:      apiSecret,
		Pairs:          cfg.Trading.Pairs,
		RequestsPerSec: float64(cfg.Exchange.RateLimitPerSecond),
		Timeout:        time.Duration(cfg.Exchange.RequestTimeoutSeconds) * time.Second,
		ValidateOnly:   !cfg.IsLive(),
	}, logger)
	stream := exchange.NewWSClient(cfg.Exchange.WSURL, cfg.Trading.Pairs, logger)

	set, err := strategies.Build(cfg.Trading.SingleStrategyMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("strategy set")
	}

	cache := market.NewCache(cfg.Trading.CandleCapacity, time.Minute,
		cfg.Trading.OutlierThreshold, cfg.Trading.OutlierThresholdOverrides)

	conf := confluence.NewEngine(confluence.Config{
		Timeframes:                 cfg.Trading.Timeframes,
		PrimaryTimeframe:           cfg.AI.PrimaryTimeframe,
		UseClosedCandlesOnly:       cfg.Trading.UseClosedCandlesOnly,
		ConfluenceThreshold:        cfg.AI.ConfluenceThreshold,
		MinConfidence:              cfg.AI.MinConfidence,
		OBIThreshold:               cfg.AI.OBIThreshold,
		BookScoreThreshold:         cfg.AI.BookScoreThreshold,
		BookScoreMaxAge:            time.Duration(cfg.AI.BookScoreMaxAgeSeconds) * time.Second,
		OBICountsAsConfluence:      cfg.AI.OBICountsAsConfluence,
		OBIWeight:                  cfg.AI.OBIWeight,
		MultiTimeframeMinAgreement: cfg.AI.MultiTimeframeMinAgreement,
		StrategyTimeout:            time.Duration(cfg.AI.StrategyTimeoutSeconds) * time.Second,
		StrategyCooldown:           time.Duration(cfg.Trading.StrategyCooldownSeconds) * time.Second,
		ATRMultiplierSL:            cfg.Risk.ATRMultiplierSL,
		ATRMultiplierTP:            cfg.Risk.ATRMultiplierTP,
		Regime: confluence.RegimeConfig{
			ADXTrendThreshold: cfg.Regime.ADXTrendThreshold,
			ATRPctHigh:        cfg.Regime.ATRPctHigh,
			ATRPctLow:         cfg.Regime.ATRPctLow,
		},
		Guardrails: confluence.GuardrailConfig{
			WindowTrades:   cfg.AI.GuardrailWindowTrades,
			MinTrades:      cfg.AI.GuardrailMinTrades,
			WinRate:        cfg.AI.GuardrailWinRate,
			ProfitFactor:   cfg.AI.GuardrailProfitFactor,
			DisableMinutes: cfg.AI.GuardrailDisableMinutes,
		},
		SessionMinSamples: cfg.AI.SessionMinSamples,
	}, set, cfg.AI.StrategyWeights, cfg.Regime.WeightMultipliers, logger)

	riskM := risk.NewManager(risk.Config{
		MaxRiskPerTrade:        cfg.Risk.MaxRiskPerTrade,
		MaxDailyLoss:           cfg.Risk.MaxDailyLoss,
		MaxDailyTrades:         cfg.Risk.MaxDailyTrades,
		MaxPositionUSD:         cfg.Risk.MaxPositionUSD,
		MinPositionUSD:         cfg.Risk.MinPositionUSD,
		InitialBankroll:        cfg.Risk.InitialBankroll,
		KellyFraction:          cfg.Risk.KellyFraction,
		MaxKellySize:           cfg.Risk.MaxKellySize,
		RiskOfRuinThreshold:    cfg.Risk.RiskOfRuinThreshold,
		MaxTotalExposurePct:    cfg.Risk.MaxTotalExposurePct,
		GlobalCooldownOnLoss:   time.Duration(cfg.Risk.GlobalCooldownSecondsOnLoss) * time.Second,
		PairCooldown:           time.Duration(cfg.Trading.CooldownSeconds) * time.Second,
		StrategyCooldown:       time.Duration(cfg.Trading.StrategyCooldownSeconds) * time.Second,
		MaxConcurrentPositions: cfg.Trading.MaxConcurrentPositions,
		MaxTradesPerHour:       cfg.Trading.MaxTradesPerHour,
		QuietHoursUTC:          cfg.Trading.QuietHoursUTC,
		MinRiskReward:          cfg.AI.MinRiskRewardRatio,
		MinConfidence:          cfg.AI.MinConfidence,
		MaxSignalAge:           time.Duration(cfg.Trading.ScanIntervalSeconds) * time.Second * 5,
		CorrelationGroups:      cfg.Risk.CorrelationGroups,
		MaxPerCorrelationGroup: cfg.Risk.MaxPerCorrelationGroup,
		Canary:                 cfg.Mode.Canary,
	}, logger)

	tiers := make([]executor.Tier, 0, len(cfg.Risk.SmartExitTiers))
	for _, t := range cfg.Risk.SmartExitTiers {
		tiers = append(tiers, executor.Tier{TPMultiple: t.TPMultiple, Fraction: t.Fraction})
	}

	ids := exchange.NewIDGenerator(rdb, "NP", logger)
	exec := executor.New(executor.Config{
		Live:                   cfg.IsLive(),
		MakerFee:               cfg.Exchange.MakerFee,
		TakerFee:               cfg.Exchange.TakerFee,
		PostOnly:               cfg.Exchange.PostOnly,
		ChaseAttempts:          cfg.Exchange.LimitChaseAttempts,
		ChaseDelay:             time.Duration(cfg.Exchange.LimitChaseDelaySeconds * float64(time.Second)),
		FallbackToMarket:       cfg.Exchange.LimitFallbackToMarket,
		TrailingActivationPct:  cfg.Risk.TrailingActivationPct,
		TrailingStepPct:        cfg.Risk.TrailingStepPct,
		BreakevenActivationPct: cfg.Risk.BreakevenActivationPct,
		SmartExitTiers:         tiers,
		MaxTradeDuration:       time.Duration(cfg.Trading.MaxTradeDurationMinutes) * time.Minute,
		StaleAfter:             time.Duration(cfg.Monitoring.StaleDataMaxAgeSeconds) * time.Second,
	}, client, cache, riskM, conf, led, ids, logger)

	eng := engine.New(cfg, cache, client, stream, conf, riskM, exec, led, logger)

	var server *api.Server
	if cfg.Control.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.Control.Host,
			Port:           cfg.Control.Port,
			MetricsEnabled: cfg.Control.MetricsEnabled,
			ProductionMode: cfg.IsLive(),
		}, eng, led, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("control plane stopped")
				stop()
			}
		}()
	}

	err = eng.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		server.Shutdown(shutdownCtx)
		cancel()
	}

	if err != nil {
		if errors.Is(err, ledger.ErrWriterTimeout) {
			logger.Fatal().Err(err).Msg("ledger writer wedged, aborting")
		}
		logger.Fatal().Err(err).Msg("engine exited with error")
	}
	logger.Info().Msg("novapulse stopped")
}
