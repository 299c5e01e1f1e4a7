package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hoztech/whatsflow/internal/api"
	"github.com/hoztech/whatsflow/internal/config"
	"github.com/hoztech/whatsflow/internal/delivery"
	"github.com/hoztech/whatsflow/internal/engine"
	"github.com/hoztech/whatsflow/internal/models"
	"github.com/hoztech/whatsflow/internal/store"
	"github.com/hoztech/whatsflow/internal/util"
	"github.com/hoztech/whatsflow/internal/waweb"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WhatsFlow state data
	DefaultStateDir = "/var/lib/whatsflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "whatsflow.db"
)

// Flags holds command line flag values
type Flags struct {
	dbDSN     *string
	stateDir  *string
	apiAddr   *string
	provider  *string
	qrOutput  *string
	numeric   *bool
	days      *int
	phone     *string
	name      *string
	myContact *bool
	message   *string
	template  *string
	language  *string
	params    *string
	step      *int
	content   *string
	delay     *int
	key       *string
	value     *string
	updatedBy *string
}

func main() {
	initializeLogger()

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	stateDir := util.GetEnv("WHATSFLOW_STATE_DIR", DefaultStateDir)
	dbDSN := util.GetEnv("WHATSFLOW_DB_DSN", util.GetEnv("DATABASE_URL", ""))
	if dbDSN == "" {
		dbDSN = filepath.Join(stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dbDSN)
	}

	flags := Flags{
		dbDSN:     flag.String("db-dsn", dbDSN, "database DSN (overrides $WHATSFLOW_DB_DSN or $DATABASE_URL)"),
		stateDir:  flag.String("state-dir", stateDir, "state directory for WhatsFlow data (overrides $WHATSFLOW_STATE_DIR)"),
		apiAddr:   flag.String("api-addr", util.GetEnv("API_ADDR", api.DefaultAddr), "API server address (overrides $API_ADDR)"),
		provider:  flag.String("provider", util.GetEnv("WHATSFLOW_PROVIDER", "cloud"), "delivery provider: cloud, twilio, waweb or none"),
		qrOutput:  flag.String("qr-output", "", "path to write WhatsApp Web login QR code (waweb provider)"),
		numeric:   flag.Bool("numeric-code", false, "use numeric WhatsApp Web login code instead of QR code"),
		days:      flag.Int("days", engine.DefaultCleanupDays, "session age in days for the cleanup action"),
		phone:     flag.String("phone", "", "phone number for contact and send actions"),
		name:      flag.String("name", "", "contact display name or template name"),
		myContact: flag.Bool("my-contact", true, "mark the contact as known for the add-contact action"),
		message:   flag.String("message", "", "free-text message body for the send action"),
		template:  flag.String("template", "", "provider template name for the send action"),
		language:  flag.String("language", "pt_BR", "template language code for the send action"),
		params:    flag.String("params", "", "comma-separated template parameters for the send action"),
		step:      flag.Int("step", 0, "step number for the create-template action"),
		content:   flag.String("content", "", "template body for the create-template action"),
		delay:     flag.Int("delay", 5, "delay in seconds for the create-template action"),
		key:       flag.String("key", "", "config key for the set-config action"),
		value:     flag.String("value", "", "config value for the set-config action"),
		updatedBy: flag.String("updated-by", "cli", "attribution recorded on config changes"),
	}
	flag.Parse()

	action := flag.Arg(0)
	if action == "" {
		action = "serve"
	}

	if err := run(action, flags); err != nil {
		slog.Error("WhatsFlow action failed", "action", action, "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("WHATSFLOW_DEBUG"), "true") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func run(action string, flags Flags) error {
	st, err := openStore(*flags.dbDSN, *flags.stateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := config.NewStoreProvider(st)

	engineOpts := []engine.Option{}
	if needsSender(action) {
		sender, err := buildSender(flags, cfg)
		if err != nil {
			return err
		}
		if sender != nil {
			engineOpts = append(engineOpts, engine.WithSender(sender))
		}
	}
	eng := engine.New(st, cfg, engineOpts...)

	switch action {
	case "serve":
		return serve(eng, st, cfg, flags)
	case "status":
		return printStatus(cfg)
	case "activate":
		return eng.Activate(*flags.updatedBy)
	case "deactivate":
		return eng.Deactivate(*flags.updatedBy)
	case "stats":
		return printStats(eng)
	case "cleanup":
		count, err := eng.Cleanup(*flags.days)
		if err != nil {
			return err
		}
		fmt.Printf("deactivated %d sessions older than %d days\n", count, *flags.days)
		return nil
	case "add-contact":
		return addContact(eng, flags)
	case "block-contact":
		if *flags.phone == "" {
			return fmt.Errorf("block-contact requires -phone")
		}
		contact, err := eng.BlockContact(*flags.phone)
		if err != nil {
			return err
		}
		fmt.Printf("blocked %s\n", contact.PhoneNumber)
		return nil
	case "create-template":
		return createTemplate(eng, flags)
	case "set-config":
		if *flags.key == "" {
			return fmt.Errorf("set-config requires -key")
		}
		return cfg.Set(*flags.key, *flags.value, *flags.updatedBy)
	case "send":
		return send(eng, flags)
	default:
		return fmt.Errorf("unknown action %q (expected serve, status, activate, deactivate, stats, cleanup, add-contact, block-contact, create-template, set-config or send)", action)
	}
}

// needsSender reports whether the action performs outbound delivery.
func needsSender(action string) bool {
	return action == "serve" || action == "send"
}

// openStore picks the storage backend from the DSN.
func openStore(dsn, stateDir string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Opening Postgres store", "dsn_set", dsn != "")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	slog.Debug("Opening SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildSender constructs the configured delivery backend. Cloud API
// credentials are looked up in the config store first, then the environment.
func buildSender(flags Flags, cfg config.Provider) (delivery.Sender, error) {
	switch *flags.provider {
	case "cloud":
		var opts []delivery.CloudOption
		if token, err := cfg.Get(config.KeyAccessToken); err == nil && token != "" {
			opts = append(opts, delivery.WithAccessToken(token))
		}
		if id, err := cfg.Get(config.KeyPhoneNumberID); err == nil && id != "" {
			opts = append(opts, delivery.WithPhoneNumberID(id))
		}
		return delivery.NewCloudClient(opts...)
	case "twilio":
		return delivery.NewTwilioClient()
	case "waweb":
		var opts []waweb.Option
		if *flags.qrOutput != "" {
			opts = append(opts, waweb.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			opts = append(opts, waweb.WithNumericCode())
		}
		return waweb.NewClient(opts...)
	case "none":
		slog.Warn("No delivery provider configured; outbound sends will fail")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider %q (expected cloud, twilio, waweb or none)", *flags.provider)
	}
}

func serve(eng *engine.Engine, st store.Store, cfg config.Provider, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(eng, st, cfg, api.WithAddr(*flags.apiAddr))
	return server.Run(ctx)
}

func printStatus(cfg config.Provider) error {
	active, err := cfg.GetBool(config.KeyChatbotActive)
	if err != nil {
		return err
	}
	timeout, err := cfg.GetInt(config.KeyMaxSessionDuration, 3600)
	if err != nil {
		return err
	}
	delay, err := cfg.GetInt(config.KeyAutoResponseDelay, 5)
	if err != nil {
		return err
	}
	fmt.Printf("chatbot active: %t\n", active)
	fmt.Printf("session timeout: %ds\n", timeout)
	fmt.Printf("auto response delay: %ds\n", delay)
	return nil
}

func printStats(eng *engine.Engine) error {
	stats, err := eng.Stats()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func addContact(eng *engine.Engine, flags Flags) error {
	if *flags.phone == "" {
		return fmt.Errorf("add-contact requires -phone")
	}
	contact, err := eng.UpsertContact(models.ContactUpsertRequest{
		PhoneNumber: *flags.phone,
		Name:        *flags.name,
		IsMyContact: flags.myContact,
	})
	if err != nil {
		return err
	}
	fmt.Printf("contact %s saved (id %d)\n", contact.PhoneNumber, contact.ID)
	return nil
}

func createTemplate(eng *engine.Engine, flags Flags) error {
	if *flags.name == "" || *flags.content == "" {
		return fmt.Errorf("create-template requires -name and -content")
	}
	t := &models.Template{
		Name:         *flags.name,
		StepNumber:   *flags.step,
		Content:      *flags.content,
		DelaySeconds: *flags.delay,
	}
	if err := eng.CreateTemplate(t); err != nil {
		return err
	}
	fmt.Printf("template %s created for step %d (id %d)\n", t.Name, t.StepNumber, t.ID)
	return nil
}

func send(eng *engine.Engine, flags Flags) error {
	if *flags.phone == "" {
		return fmt.Errorf("send requires -phone")
	}
	ctx := context.Background()
	var res delivery.Result
	if *flags.template != "" {
		var params []string
		if *flags.params != "" {
			params = strings.Split(*flags.params, ",")
		}
		res = eng.SendTemplateMessage(ctx, *flags.phone, *flags.template, *flags.language, params)
	} else {
		if *flags.message == "" {
			return fmt.Errorf("send requires -message or -template")
		}
		res = eng.SendTextMessage(ctx, *flags.phone, *flags.message)
	}
	if !res.Success {
		return fmt.Errorf("delivery failed: %s", res.Error)
	}
	fmt.Printf("sent, provider message id: %s\n", res.MessageID)
	return nil
}
