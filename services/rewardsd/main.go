package rewardsd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"surveyrewards/bank"
	"surveyrewards/config"
	"surveyrewards/core/ledger"
	"surveyrewards/observability"
	"surveyrewards/observability/logging"
	telemetry "surveyrewards/observability/otel"
	"surveyrewards/recon"
	"surveyrewards/storage"
)

// Main initialises and runs the reward ledger daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "rewards.toml", "path to rewardsd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup("rewardsd", cfg.Environment)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint == "" {
		otlpEndpoint = cfg.Telemetry.Endpoint
	}
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rewardsd",
		Environment: cfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open ledger state: %w", err)
	}
	defer func() { _ = db.Close() }()
	state := storage.NewState(db)

	store, err := OpenStore(cfg.ReceiptsDSN)
	if err != nil {
		return fmt.Errorf("open receipts store: %w", err)
	}

	account, custody, err := buildTokenAccount(cfg.Bank)
	if err != nil {
		return err
	}

	authenticator, err := NewAuthenticator(AuthOptions{
		BearerToken:   os.Getenv(cfg.Auth.BearerTokenEnv),
		JWTSecret:     []byte(os.Getenv(cfg.Auth.JWTSecretEnv)),
		AdminSubjects: cfg.Auth.AdminSubjects,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	queue := NewEventQueue(
		WithTaskCapacity(cfg.Webhooks.QueueSize),
		WithQueueTTL(cfg.Webhooks.QueueTTL.Duration),
	)
	hub := NewHub()

	engine := ledger.NewEngine()
	engine.SetState(state)
	engine.SetTokenAccount(account)
	engine.SetAccessControl(authenticator)
	engine.SetCustodyAccount(custody)
	engine.SetTransferTimeout(cfg.Bank.TransferTimeout.Duration)
	engine.SetEmitter(NewFanoutEmitter(queue, hub, store, nil))

	subs, err := LoadSubscriptions(cfg.Webhooks.SubscriptionsPath)
	if err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}

	server, err := NewServer(ServerOptions{
		Engine:  engine,
		Auth:    authenticator,
		Limiter: NewClaimLimiter(cfg.RateLimit.ClaimsPerMinute, cfg.RateLimit.Burst),
		Hub:     hub,
		Queue:   queue,
		Store:   store,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go NewDispatcher(queue, subs, nil).Run(stopCtx)
	go pollCustodyBalance(stopCtx, account, custody)

	receiptSource := recon.ReceiptSourceFunc(func(ctx context.Context) ([]recon.Receipt, error) {
		receipts, err := store.Receipts(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]recon.Receipt, 0, len(receipts))
		for _, receipt := range receipts {
			out = append(out, recon.Receipt{
				SurveyID:  receipt.SurveyID,
				UserID:    receipt.UserID,
				Amount:    receipt.Amount,
				TxRef:     receipt.TxRef,
				CreatedAt: receipt.CreatedAt,
			})
		}
		return out, nil
	})
	reconciler := recon.NewReconciler(state, receiptSource, recon.Options{
		OutputDir:     cfg.Recon.OutputDir,
		RetentionDays: cfg.Recon.RetentionDays,
	})
	go reconciler.RunPeriodic(stopCtx, cfg.Recon.Interval.Duration)

	errs := make(chan error, 1)
	go func() {
		log.Printf("rewardsd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// pollCustodyBalance refreshes the custody balance gauge once a minute so
// operators can alert on an underfunded disbursement account.
func pollCustodyBalance(ctx context.Context, account bank.TokenAccount, custody string) {
	metrics := observability.Rewards()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		balance, err := account.BalanceOf(readCtx, custody)
		cancel()
		if err == nil {
			metrics.SetCustodyBalance(balance)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildTokenAccount selects the custody backend from configuration.
func buildTokenAccount(cfg config.BankConfig) (bank.TokenAccount, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "memory":
		custody := cfg.CustodyAccount
		if custody == "" {
			custody = "custody"
		}
		return bank.NewMemoryAccount(custody, big.NewInt(0)), custody, nil
	case "evm":
		rawKey := strings.TrimSpace(os.Getenv(cfg.SignerKeyEnv))
		if rawKey == "" {
			return nil, "", fmt.Errorf("bank: signer key env %s empty", cfg.SignerKeyEnv)
		}
		key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
		if err != nil {
			return nil, "", fmt.Errorf("bank: parse signer key: %w", err)
		}
		client, err := bank.DialEVM(cfg.RPCURL)
		if err != nil {
			return nil, "", fmt.Errorf("bank: dial evm: %w", err)
		}
		account, err := bank.NewEVMAccount(client, key, bank.EVMConfig{
			TokenAddress:  cfg.TokenAddress,
			ChainID:       big.NewInt(cfg.ChainID),
			GasLimit:      cfg.GasLimit,
			Confirmations: cfg.Confirmations,
		})
		if err != nil {
			return nil, "", err
		}
		return account, account.CustodyAddress(), nil
	default:
		return nil, "", fmt.Errorf("bank: unknown mode %q", cfg.Mode)
	}
}
