package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/inklet/inklet/cmd/inklet/tui"
	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/channels"
	"github.com/inklet/inklet/pkg/classify"
	"github.com/inklet/inklet/pkg/config"
	"github.com/inklet/inklet/pkg/executor"
	"github.com/inklet/inklet/pkg/gateway"
	"github.com/inklet/inklet/pkg/health"
	"github.com/inklet/inklet/pkg/knowledge"
	"github.com/inklet/inklet/pkg/logger"
	"github.com/inklet/inklet/pkg/notify"
	"github.com/inklet/inklet/pkg/plan"
	"github.com/inklet/inklet/pkg/receipt"
	"github.com/inklet/inklet/pkg/record"
	"github.com/inklet/inklet/pkg/service"
)

var (
	version   = "dev"
	buildTime string
)

const logo = "✒️"
const displayName = "Inklet"
const cliName = "inklet"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "onboard":
		onboardCmd()
	case "gateway":
		gatewayCmd()
	case "status":
		statusCmd()
	case "receipts":
		receiptsCmd()
	case "retry":
		retryCmd()
	case "exec":
		execCmd()
	case "service":
		serviceCmd()
	case "dash":
		dashCmd()
	case "version", "--version", "-v":
		printVersion()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("%s %s v%s\n", logo, displayName, version)
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	fmt.Printf("  Go: %s\n", runtime.Version())
}

func printHelp() {
	fmt.Printf("%s %s - Chat capture for your second brain v%s\n\n", logo, displayName, version)
	fmt.Printf("Usage: %s <command>\n", cliName)
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Initialize inklet configuration and knowledge store")
	fmt.Println("  gateway     Start the capture gateway (channels + classifier + executor)")
	fmt.Println("  status      Show pipeline status")
	fmt.Println("  dash        Interactive status dashboard")
	fmt.Println("  receipts    Show recent execution receipts")
	fmt.Println("  retry       List events awaiting retry; purge expired records")
	fmt.Println("  exec        Execute a plan JSON file directly")
	fmt.Println("  service     Manage the gateway as a background service")
	fmt.Println("  version     Show version information")
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(config.DefaultConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(cfg)
	return cfg
}

func applyLogLevel(cfg *config.Config) {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
}

func openStores(cfg *config.Config) (*record.Store, *receipt.Ledger, *knowledge.Store) {
	records, err := record.Open(cfg.Records.Path)
	if err != nil {
		fmt.Printf("Error opening record store: %v\n", err)
		os.Exit(1)
	}
	if cfg.Records.RetentionDays > 0 {
		records.WithRetention(time.Duration(cfg.Records.RetentionDays) * 24 * time.Hour)
	}

	ledger, err := receipt.NewLedger(cfg.Ledger.Path)
	if err != nil {
		fmt.Printf("Error opening receipt ledger: %v\n", err)
		os.Exit(1)
	}

	kstore, err := knowledge.OpenStore(cfg.Knowledge.Path)
	if err != nil {
		fmt.Printf("Error opening knowledge store: %v\n", err)
		os.Exit(1)
	}

	return records, ledger, kstore
}

func buildClassifier(cfg *config.Config) *classify.Classifier {
	var provider classify.Provider
	switch cfg.Classifier.Provider {
	case "openai":
		provider = classify.NewOpenAIProvider(cfg.Classifier.APIKey, cfg.Classifier.Model, cfg.Classifier.BaseURL)
	default:
		provider = classify.NewAnthropicProvider(cfg.Classifier.APIKey, cfg.Classifier.Model)
	}

	classifier := classify.NewClassifier(provider)
	if cfg.Classifier.ConfidenceFloor > 0 {
		classifier.WithConfidenceFloor(cfg.Classifier.ConfidenceFloor)
	}
	return classifier
}

func staleAfter(cfg *config.Config) time.Duration {
	if cfg.Records.StaleAfterMinutes > 0 {
		return time.Duration(cfg.Records.StaleAfterMinutes) * time.Minute
	}
	return 15 * time.Minute
}

func onboardCmd() {
	force := false
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--force", "-f":
			force = true
		case "--help", "-h":
			fmt.Printf("Usage: %s onboard [--force]\n", cliName)
			fmt.Println("  Creates the config file and knowledge repository if missing.")
			fmt.Println("  --force resets config.json to defaults.")
			return
		default:
			fmt.Printf("Unknown option: %s\n", arg)
			os.Exit(2)
		}
	}

	configPath := config.DefaultConfigPath()
	_, statErr := os.Stat(configPath)
	exists := statErr == nil

	var cfg *config.Config
	switch {
	case exists && !force:
		// Never overwrite an existing config; it may hold credentials.
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			fmt.Printf("Error loading existing config at %s: %v\n", configPath, err)
			fmt.Printf("Fix the JSON (or move it aside) then re-run: %s onboard\n", cliName)
			os.Exit(1)
		}
		cfg = loaded
		fmt.Printf("Config already exists at %s (preserved)\n", configPath)
	default:
		cfg = config.DefaultConfig()
		if err := config.SaveConfig(configPath, cfg); err != nil {
			fmt.Printf("Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created config at %s\n", configPath)
	}

	if _, err := knowledge.OpenStore(cfg.Knowledge.Path); err != nil {
		fmt.Printf("Error initializing knowledge store: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Knowledge store ready at %s\n", cfg.Knowledge.Path)

	fmt.Printf("\n%s %s is ready!\n", logo, displayName)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Put your classifier API key in the environment: export INKLET_CLASSIFIER_API_KEY=...\n")
	fmt.Printf("  2. Configure a chat channel (Slack or Telegram) in %s\n", configPath)
	fmt.Printf("  3. Start the gateway: %s gateway\n", cliName)
}

func gatewayCmd() {
	for _, arg := range os.Args[2:] {
		if arg == "--debug" || arg == "-d" {
			logger.SetLevel(logger.DEBUG)
			break
		}
	}

	cfg := loadConfig()
	records, ledger, kstore := openStores(cfg)
	defer records.Close()

	msgBus := bus.NewMessageBus()
	manager, err := channels.NewManager(channels.ManagerConfig{
		Slack:    cfg.Channels.Slack,
		Telegram: cfg.Channels.Telegram,
	}, msgBus)
	if err != nil {
		fmt.Printf("Error creating channels: %v\n", err)
		os.Exit(1)
	}

	enabled := manager.EnabledChannels()
	if len(enabled) == 0 {
		fmt.Println("Warning: no chat channels configured; only redeliveries will flow")
	} else {
		fmt.Printf("Channels enabled: %s\n", strings.Join(enabled, ", "))
	}

	sender := notify.NewSender(cfg.Notify.APIKey, cfg.Notify.From, cfg.Notify.BaseURL)
	exec := executor.New(records, ledger, kstore, sender, manager, plan.Validator{}, executor.Options{
		Recipient:  cfg.Notify.Recipient,
		StaleAfter: staleAfter(cfg),
	})

	gw := gateway.New(msgBus, buildClassifier(cfg), exec, gateway.Options{
		Workers:        cfg.Gateway.Workers,
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		RedeliverDelay: time.Duration(cfg.Gateway.RedeliverDelaySeconds) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
		os.Exit(1)
	}
	gw.Start(ctx)

	if cfg.Heartbeat.Enabled {
		checker := health.NewChecker(records, ledger).WithStaleAfter(staleAfter(cfg))
		hb, err := health.NewHeartbeat(checker, cfg.Heartbeat.Schedule)
		if err != nil {
			fmt.Printf("Error starting heartbeat: %v\n", err)
			os.Exit(1)
		}
		go hb.Start(ctx)
	}

	fmt.Println("Gateway started")
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	msgBus.Close()
	manager.StopAll()
	gw.Wait()
	fmt.Println("Gateway stopped")
}

func statusCmd() {
	cfg := loadConfig()
	configPath := config.DefaultConfigPath()

	fmt.Printf("%s %s Status\n\n", logo, displayName)

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	_, err := os.Stat(configPath)
	fmt.Println("Config:", configPath, mark(err == nil))
	_, err = os.Stat(cfg.Knowledge.Path)
	fmt.Println("Knowledge:", cfg.Knowledge.Path, mark(err == nil))
	fmt.Println("Classifier:", cfg.Classifier.Provider, mark(cfg.Classifier.APIKey != ""))
	fmt.Println("Notify:", mark(cfg.Notify.APIKey != "" && cfg.Notify.Recipient != ""))
	fmt.Println("Slack:", mark(cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != ""))
	fmt.Println("Telegram:", mark(cfg.Channels.Telegram.Token != ""))

	records, err := record.Open(cfg.Records.Path)
	if err != nil {
		fmt.Printf("\nRecord store: unavailable (%v)\n", err)
		return
	}
	defer records.Close()

	ledger, err := receipt.NewLedger(cfg.Ledger.Path)
	if err != nil {
		fmt.Printf("\nReceipt ledger: unavailable (%v)\n", err)
		return
	}

	report, err := health.NewChecker(records, ledger).WithStaleAfter(staleAfter(cfg)).Check()
	if err != nil {
		fmt.Printf("\nHealth check failed: %v\n", err)
		return
	}

	fmt.Println("\nPipeline:")
	for _, st := range []record.Status{
		record.StatusReceived, record.StatusPlanned, record.StatusExecuting,
		record.StatusPartialFailure, record.StatusSucceeded, record.StatusFailedPermanent,
	} {
		if n := report.Records[st]; n > 0 {
			fmt.Printf("  %-17s %d\n", st, n)
		}
	}
	fmt.Printf("  %-17s %d\n", "receipts", report.ReceiptCount)

	if report.Healthy() {
		fmt.Println("\nHealth: ✓")
	} else {
		fmt.Println("\nHealth: ✗")
		for _, p := range report.Problems {
			fmt.Println("  -", p)
		}
	}
}

func receiptsCmd() {
	n := 10
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n", "--count":
			if i+1 < len(args) {
				if _, err := fmt.Sscanf(args[i+1], "%d", &n); err != nil {
					fmt.Printf("Invalid count: %s\n", args[i+1])
					os.Exit(2)
				}
				i++
			}
		case "--help", "-h":
			fmt.Printf("Usage: %s receipts [-n count]\n", cliName)
			return
		}
	}

	cfg := loadConfig()
	ledger, err := receipt.NewLedger(cfg.Ledger.Path)
	if err != nil {
		fmt.Printf("Error opening receipt ledger: %v\n", err)
		os.Exit(1)
	}

	receipts, err := ledger.Tail(n)
	if err != nil {
		fmt.Printf("Error reading receipts: %v\n", err)
		os.Exit(1)
	}
	if len(receipts) == 0 {
		fmt.Println("No receipts yet.")
		return
	}

	for _, r := range receipts {
		fmt.Printf("%s  %-10s  %.2f  %s\n", r.Timestamp.Format("2006-01-02 15:04"), r.Classification, r.Confidence, r.EventID)
		for _, a := range r.Actions {
			fmt.Printf("    %-8s %-8s %s\n", a.Type, a.Status, a.Details)
		}
		if r.CommitID != "" {
			fmt.Printf("    commit   %s\n", shortID(r.CommitID))
		}
	}
}

func retryCmd() {
	purge := false
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--purge":
			purge = true
		case "--help", "-h":
			fmt.Printf("Usage: %s retry [--purge]\n", cliName)
			fmt.Println("  Lists events in partial_failure (retried automatically on redelivery)")
			fmt.Println("  and events stuck mid-execution.")
			fmt.Println("  --purge removes expired terminal records.")
			return
		}
	}

	cfg := loadConfig()
	records, err := record.Open(cfg.Records.Path)
	if err != nil {
		fmt.Printf("Error opening record store: %v\n", err)
		os.Exit(1)
	}
	defer records.Close()

	if purge {
		n, err := records.PurgeExpired()
		if err != nil {
			fmt.Printf("Error purging records: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Purged %d expired record(s)\n", n)
	}

	counts, err := records.CountByStatus()
	if err != nil {
		fmt.Printf("Error reading records: %v\n", err)
		os.Exit(1)
	}

	if counts[record.StatusPartialFailure] == 0 {
		fmt.Println("No events awaiting retry.")
	} else {
		fmt.Printf("%d event(s) in partial_failure; they resume on the next redelivery:\n", counts[record.StatusPartialFailure])
	}

	stuck, err := records.StuckExecuting(staleAfter(cfg))
	if err != nil {
		fmt.Printf("Error reading records: %v\n", err)
		os.Exit(1)
	}
	for _, rec := range stuck {
		fmt.Printf("  stuck: %s (last update %s)\n", rec.EventID, rec.UpdatedAt.Format(time.RFC3339))
	}
}

// consoleChat satisfies the executor's chat client for direct plan execution
// from the terminal.
type consoleChat struct{}

func (consoleChat) PostMessage(ctx context.Context, target channels.ChatTarget, text string) (string, error) {
	fmt.Printf("\n%s\n", text)
	return "console", nil
}

func execCmd() {
	eventID := ""
	planPath := ""
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--event", "-e":
			if i+1 < len(args) {
				eventID = args[i+1]
				i++
			}
		case "--help", "-h":
			fmt.Printf("Usage: %s exec <plan.json> [--event <event-id>]\n", cliName)
			fmt.Println("  Runs a plan through the executor with full idempotency guarantees.")
			return
		default:
			planPath = args[i]
		}
	}
	if planPath == "" {
		fmt.Printf("Usage: %s exec <plan.json> [--event <event-id>]\n", cliName)
		os.Exit(2)
	}

	raw, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Printf("Error reading plan: %v\n", err)
		os.Exit(1)
	}
	p, err := plan.Decode(raw)
	if err != nil {
		fmt.Printf("Error decoding plan: %v\n", err)
		os.Exit(1)
	}

	if eventID == "" {
		eventID = channels.EventID("cli", "exec", filepath.Base(planPath))
	}

	cfg := loadConfig()
	records, ledger, kstore := openStores(cfg)
	defer records.Close()

	sender := notify.NewSender(cfg.Notify.APIKey, cfg.Notify.From, cfg.Notify.BaseURL)
	exec := executor.New(records, ledger, kstore, sender, consoleChat{}, plan.Validator{}, executor.Options{
		Recipient:  cfg.Notify.Recipient,
		StaleAfter: staleAfter(cfg),
	})

	res := exec.Execute(context.Background(), eventID, p, channels.ChatTarget{Channel: "cli", ChatID: "exec"}, executor.Metadata{Source: "cli"})
	if !res.Success {
		if len(res.ValidationErrors) > 0 {
			fmt.Println("Plan rejected:")
			for _, v := range res.ValidationErrors {
				fmt.Printf("  %s: %s\n", v.Field, v.Message)
			}
		} else {
			fmt.Printf("Execution failed: %s\n", res.Err)
		}
		os.Exit(1)
	}

	fmt.Printf("Executed %s\n", eventID)
	if res.CommitID != "" {
		fmt.Printf("  commit:  %s\n", shortID(res.CommitID))
	}
	if res.NotifyMessageID != "" {
		fmt.Printf("  notify:  %s\n", res.NotifyMessageID)
	}
	if res.ReceiptID != "" {
		fmt.Printf("  receipt: %s\n", res.ReceiptID)
	}
}

func serviceCmd() {
	args := os.Args[2:]
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		fmt.Printf("Usage: %s service <install|uninstall|start|stop|restart|status|logs>\n", cliName)
		return
	}

	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Error resolving executable path: %v\n", err)
		os.Exit(1)
	}
	mgr, err := service.NewManager(exePath)
	if err != nil {
		fmt.Printf("Error initializing service manager: %v\n", err)
		os.Exit(1)
	}

	switch strings.ToLower(args[0]) {
	case "install":
		if err := mgr.Install(); err != nil {
			fmt.Printf("Service install failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Service installed")
		fmt.Printf("  Start with: %s service start\n", cliName)
	case "uninstall", "remove":
		if err := mgr.Uninstall(); err != nil {
			fmt.Printf("Service uninstall failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Service uninstalled")
	case "start":
		if err := mgr.Start(); err != nil {
			fmt.Printf("Service start failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Service started")
	case "stop":
		if err := mgr.Stop(); err != nil {
			fmt.Printf("Service stop failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Service stopped")
	case "restart":
		if err := mgr.Restart(); err != nil {
			fmt.Printf("Service restart failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Service restarted")
	case "status":
		st, err := mgr.Status()
		if err != nil {
			fmt.Printf("Service status check failed: %v\n", err)
			os.Exit(1)
		}
		mark := func(ok bool) string {
			if ok {
				return "✓"
			}
			return "✗"
		}
		fmt.Printf("Backend:   %s\n", st.Backend)
		fmt.Printf("Installed: %s\n", mark(st.Installed))
		fmt.Printf("Enabled:   %s\n", mark(st.Enabled))
		fmt.Printf("Running:   %s\n", mark(st.Running))
		if st.Detail != "" {
			fmt.Printf("Detail:    %s\n", st.Detail)
		}
	case "logs":
		lines := 50
		if len(args) > 2 && (args[1] == "-n" || args[1] == "--lines") {
			if _, err := fmt.Sscanf(args[2], "%d", &lines); err != nil {
				fmt.Printf("Invalid line count: %s\n", args[2])
				os.Exit(2)
			}
		}
		out, err := mgr.Logs(lines)
		if err != nil {
			fmt.Printf("Error reading logs: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
	default:
		fmt.Printf("Unknown service command: %s\n", args[0])
		os.Exit(2)
	}
}

func dashCmd() {
	cfg := loadConfig()
	tui.Run(tui.Sources{
		RecordsPath: cfg.Records.Path,
		LedgerPath:  cfg.Ledger.Path,
		StaleAfter:  staleAfter(cfg),
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
