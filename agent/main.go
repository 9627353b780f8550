package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/tether/pkg/auth"
	"github.com/haasonsaas/tether/pkg/config"
	"github.com/haasonsaas/tether/pkg/health"
	"github.com/haasonsaas/tether/pkg/inventory"
	"github.com/haasonsaas/tether/pkg/registration"
	"github.com/haasonsaas/tether/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	configPath  = flag.String("config", "/etc/tether/agent.yaml", "Config file path")
	serverURL   = flag.String("server", "", "Tether server URL (overrides config)")
	interval    = flag.Duration("interval", 0, "Heartbeat interval (overrides config)")
	once        = flag.Bool("once", false, "Send one heartbeat and exit")
	checkStatus = flag.Bool("check-status", false, "Print the registration status and exit")
	Version     = "dev"
)

var (
	errRejected    = errors.New("registration rejected by administrator")
	errDeactivated = errors.New("token deactivated by administrator")
	errTokenDenied = errors.New("server refused the agent token")
)

type snapshotter interface {
	Collect(ctx context.Context) *inventory.Snapshot
}

type Agent struct {
	config      *config.AgentConfig
	api         *apiClient
	collector   snapshotter
	agentID     string
	agentName   string
	hostname    string
	fingerprint string
	creds       *auth.Credentials
	pollEvery   time.Duration
	logger      zerolog.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Reporting.Interval = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Logging, os.Stdout, telemetry.ServiceAgent)
	logger.Info().Str("version", Version).Str("server", cfg.Server.URL).Msg("tether agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, telemetry.ServiceAgent, Version, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	agent := newAgent(cfg, logger)
	if err := agent.init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise agent")
	}

	if *checkStatus {
		st, err := agent.api.status(ctx, agent.agentID)
		if err != nil {
			logger.Fatal().Err(err).Msg("status check failed")
		}
		fmt.Printf("%s: %s\n", st.State, st.Message)
		return
	}

	if err := agent.run(ctx, *once); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent stopped")
	}
	logger.Info().Msg("agent stopped")
}

func newAgent(cfg *config.AgentConfig, logger zerolog.Logger) *Agent {
	client := &http.Client{Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second}
	retrier := newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, logger)
	return &Agent{
		config: cfg,
		api:    newAPIClient(cfg.Server.URL, client, retrier, logger),
		collector: inventory.NewCollector(inventory.Options{
			CollectServices: cfg.Reporting.CollectServices,
			CollectSoftware: cfg.Reporting.CollectSoftware,
		}),
		pollEvery: time.Duration(cfg.Reporting.ApprovalPoll) * time.Second,
		logger:    logger,
	}
}

// init resolves the agent identity and the hardware fingerprint.
func (a *Agent) init(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	a.hostname = hostname
	a.agentID = a.config.Identity.AgentID
	if a.agentID == "" {
		a.agentID = hostname
	}
	a.agentName = a.config.Identity.AgentName
	if a.agentName == "" {
		a.agentName = a.agentID
	}

	fp, err := inventory.Fingerprint(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("no hardware identifiers found, falling back to hostname fingerprint")
		fp = inventory.FallbackFingerprint(hostname)
	}
	a.fingerprint = fp
	a.logger = a.logger.With().Str("agent_id", a.agentID).Logger()
	a.logger.Info().Str("fingerprint", auth.FingerprintPrefix(fp)).Msg("device fingerprint computed")
	return nil
}

func (a *Agent) run(ctx context.Context, once bool) error {
	checker := health.NewChecker(a.config.Server.URL, a.config.Health.TimeDriftMaxS, nil)
	if status := checker.Check(ctx); !status.Healthy {
		a.logger.Warn().Strs("issues", status.Issues).Msg("health check reported issues")
	}

	if err := a.ensureToken(ctx); err != nil {
		return err
	}

	if err := a.sendHeartbeat(ctx); err != nil {
		if errors.Is(err, errTokenDenied) {
			return err
		}
		a.logger.Error().Err(err).Msg("heartbeat failed")
	}
	if once {
		return nil
	}

	every := time.Duration(a.config.Reporting.Interval) * time.Second
	jitter := time.Duration(a.config.Reporting.Jitter) * time.Second
	for {
		wait := every
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
		if err := a.sendHeartbeat(ctx); err != nil {
			if errors.Is(err, errTokenDenied) {
				return err
			}
			a.logger.Error().Err(err).Msg("heartbeat failed")
		}
	}
}

// ensureToken loads saved credentials or registers and waits for approval.
func (a *Agent) ensureToken(ctx context.Context) error {
	path := a.config.Identity.CredentialsPath
	if creds, err := auth.LoadCredentials(path); err == nil && creds.AgentID == a.agentID {
		a.creds = creds
		a.logger.Info().Msg("loaded saved credentials")
		return nil
	}

	registered := false
	for {
		st, err := a.api.status(ctx, a.agentID)
		switch {
		case statusOf(err) == http.StatusNotFound && !registered:
			if err := a.register(ctx); err != nil {
				return err
			}
			registered = true
			continue
		case err != nil:
			a.logger.Warn().Err(err).Msg("registration status check failed")
		case st.State == registration.StateApproved && st.Token != "":
			creds := &auth.Credentials{AgentID: a.agentID, Token: st.Token}
			if err := creds.Save(path); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			a.creds = creds
			a.logger.Info().Bool("bound_to_device", st.BoundToDevice).Msg("registration approved")
			return nil
		case st.State == registration.StateRejected:
			return errRejected
		case st.State == registration.StateDeactivated:
			return errDeactivated
		default:
			a.logger.Info().Dur("poll", a.pollEvery).Msg("waiting for admin approval")
		}
		if err := sleepContext(ctx, a.pollEvery); err != nil {
			return err
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	resp, err := a.api.register(ctx, registration.Request{
		AgentID:           a.agentID,
		AgentName:         a.agentName,
		Hostname:          a.hostname,
		OSType:            inventory.OSType(),
		OSVersion:         inventory.OSVersion(ctx),
		DeviceFingerprint: a.fingerprint,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info().Uint("registration_id", resp.RegistrationID).Msg(resp.Message)
	return nil
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	ctx, span := otel.Tracer("github.com/haasonsaas/tether/agent").Start(ctx, "heartbeat")
	defer span.End()

	snap := a.collector.Collect(ctx)
	for probe, msg := range snap.Errors {
		a.logger.Warn().Str("probe", probe).Str("error", msg).Msg("inventory probe failed")
	}
	snap.AgentID = a.agentID
	snap.AgentName = a.agentName
	snap.DeviceFingerprint = a.fingerprint

	resp, err := a.api.heartbeat(ctx, a.creds.Token, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")
		if statusOf(err) == http.StatusUnauthorized {
			a.logger.Error().Err(err).Msg("token rejected; it may have been deactivated or bound to another device")
			return fmt.Errorf("%w: %v", errTokenDenied, err)
		}
		return err
	}

	span.SetAttributes(
		attribute.Int("services.present", resp.Services.Present),
		attribute.Int("software.present", resp.Software.Present),
	)
	a.logger.Info().
		Uint("device_id", resp.DeviceID).
		Int("services", resp.Services.Present).
		Int64("services_removed", resp.Services.Deactivated).
		Int("software", resp.Software.Present).
		Int64("software_removed", resp.Software.Deactivated).
		Msg("heartbeat accepted")
	return nil
}
