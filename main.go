package main

import (
	"flag"
	"os"
	"runtime"
	"strings"
	"time"

	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/numbleroot/plume/auth"
	"github.com/numbleroot/plume/config"
	"github.com/numbleroot/plume/maildir"
)

// Functions

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// initAuthService wires the auth multiplexer with its
// logging and metrics middlewares.
func initAuthService(logger log.Logger, conf *config.Config, metrics *PlumeMetrics) auth.Service {

	service := auth.NewService(log.With(logger, "component", "auth"), conf.Auth)
	service = auth.NewLoggingService(service, log.With(logger, "component", "auth"))
	service = auth.NewMetricsService(service, metrics.Auth.Requests, metrics.Auth.Failures, metrics.Auth.Aborts)

	return service
}

func main() {

	// Set CPUs usable by plume to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Parse command-line flag that defines a config path.
	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Pull in a possible .env file so that values such as
	// MAIL_SAVE_CRLF can be supplied next to the config.
	env := config.LoadEnv()

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}

	metrics := NewPlumeMetrics(conf.PrometheusAddr)

	// Open the inbox maildir so that appends can be
	// accepted right away.
	inbox, err := maildir.Open(
		log.With(logger, "component", "maildir"),
		conf.Maildir.Root,
		conf.Maildir.UIDListFileName,
		os.FileMode(conf.Maildir.CreateMode),
		(time.Duration(conf.Maildir.LockTimeoutSec) * time.Second),
	)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to open maildir", "err", err,
		)
		os.Exit(2)
	}
	defer inbox.Close()

	authService := initAuthService(logger, conf, metrics)
	defer authService.Close()

	level.Info(logger).Log(
		"msg", "plume is up",
		"maildir", inbox.Path(),
		"authSocketDir", conf.Auth.SocketDir,
		"saveCRLF", env.MailSaveCRLF,
	)

	var g errgroup.Group

	g.Go(func() error {
		runPromHTTP(logger, conf.PrometheusAddr)
		return nil
	})

	g.Go(func() error {

		// Wait for shutdown signal.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs

		level.Info(logger).Log("msg", "received shutdown signal")

		return nil
	})

	if err := g.Wait(); err != nil {
		level.Error(logger).Log(
			"msg", "plume terminated with error", "err", err,
		)
		os.Exit(3)
	}
}
