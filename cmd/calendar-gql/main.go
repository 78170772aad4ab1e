package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/codeday/calendar-gql/internal/config"
	"github.com/codeday/calendar-gql/internal/dispatch"
	"github.com/codeday/calendar-gql/internal/ics"
	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/notify"
	"github.com/codeday/calendar-gql/internal/query"
	"github.com/codeday/calendar-gql/internal/source"
	"github.com/codeday/calendar-gql/internal/store"
	"github.com/codeday/calendar-gql/internal/supervisor"
	"github.com/codeday/calendar-gql/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Init(appLog.Config{Level: appLog.ParseLevel(conf.Log.Level), Format: conf.Log.Format})
	appLog.Info("calendar-gql starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"env", conf.Env,
		"database", conf.Database.Path,
		"refresh", conf.RefreshCron,
		"dispatch_seconds", conf.Dispatch.Seconds,
		"calendar_count", len(conf.Calendars),
		"email", conf.Email.Host != "",
		"sms", conf.SMS.AccountSID != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(conf.Database.Path)
	if err != nil {
		appLog.Error("failed to open database", err, "path", conf.Database.Path)
		os.Exit(1)
	}
	defer db.Close()

	registry := source.NewRegistry(configSources(flags.configPath, conf), ics.NewFetcher(conf.Cache.Dir))

	// Serve nothing until the first snapshot exists.
	ok, failed := registry.Refresh(ctx)
	appLog.Info("initial calendar refresh", "ok", ok, "failed", failed)

	mailer := notify.WithBreaker("email", notify.NewMailer(conf.Email))
	sms := notify.WithBreaker("sms", notify.NewSMSClient(conf.SMS))
	engine := dispatch.NewEngine(registry, db, mailer, sms,
		dispatch.WithInterval(time.Duration(conf.Dispatch.Seconds)*time.Second))

	if flags.once {
		report := engine.RunCycle(ctx)
		appLog.Info("single dispatch cycle finished", "attempts", len(report.Attempts), "failed", report.Failed)
		return
	}

	api := web.NewServer(query.NewService(registry, db), db, web.Options{CORSOrigins: conf.CORS.Origins})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddBackground(source.NewScheduler(registry, conf.RefreshCron))
	tree.AddBackground(engine)
	tree.AddAPI(supervisor.NewHTTPService(httpServer, conf.Listen, 10*time.Second))

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		appLog.Error("supervisor stopped", err)
		os.Exit(1)
	}
	appLog.Info("calendar-gql exiting")
}

// configSources re-reads the config file and environment on every refresh,
// so calendars can be added or removed without a restart. A config that no
// longer loads keeps the last good list.
func configSources(path string, initial *config.Config) func() []ics.Source {
	var (
		mu   sync.Mutex
		last = toSources(initial.Calendars)
	)
	return func() []ics.Source {
		mu.Lock()
		defer mu.Unlock()
		conf, err := config.Load(path)
		if err != nil {
			appLog.Warn("config reload failed; keeping previous calendars", "reason", err.Error())
			return last
		}
		last = toSources(conf.Calendars)
		return last
	}
}

func toSources(cals []config.CalendarConfig) []ics.Source {
	out := make([]ics.Source, 0, len(cals))
	for _, c := range cals {
		out = append(out, ics.Source{ID: c.ID, Name: c.Name, URL: c.URL})
	}
	return out
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh calendars, run one dispatch cycle and exit")

	flag.Parse()

	return cfg
}
