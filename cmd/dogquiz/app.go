package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panyam/dogquiz/client"
	fsstore "github.com/panyam/dogquiz/client/stores/fs"
	gormstore "github.com/panyam/dogquiz/client/stores/gorm"
	"github.com/panyam/dogquiz/internal/config"
	"github.com/panyam/dogquiz/internal/logging"
	"github.com/panyam/dogquiz/quiz"
	"github.com/panyam/dogquiz/quiztest"
	"github.com/panyam/dogquiz/session"
)

const appName = "dogquiz"

// Seeded account for -fake mode
const (
	fakeUser     = "demo"
	fakeEmail    = "demo@example.com"
	fakePassword = "dogquiz123"
)

var errUsage = errors.New("usage: dogquiz [-config file] [-fake] [-lang code] [-metrics] <login|logout|register|whoami|stats|play|forgot|reset> [flags]")

type app struct {
	cfg      *config.Config
	logger   logrus.FieldLogger
	store    client.CredentialStore
	bus      *client.EventBus
	auth     *client.AuthClient
	quiz     *quiz.Client
	session  *session.Session
	registry *prometheus.Registry

	in  *bufio.Reader
	out io.Writer

	fake    *quiztest.Server
	closers []func()
}

type globalFlags struct {
	configPath string
	fake       bool
	lang       string
	metrics    bool
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var g globalFlags
	fs.StringVar(&g.configPath, "config", "", "path to config file")
	fs.BoolVar(&g.fake, "fake", false, "run against an in-process fake backend")
	fs.StringVar(&g.lang, "lang", "", "language for breed names (en, zh)")
	fs.BoolVar(&g.metrics, "metrics", false, "print client counters on exit")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	command, rest := fs.Arg(0), fs.Args()[1:]

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	if err := logging.LoadLevel(cfg.Log.Level); err != nil {
		logrus.WithError(err).Warn("falling back to info level")
	}

	a, err := newApp(ctx, cfg, g, stdin, stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = logging.IntoContext(ctx, a.logger.WithField("command", command))

	// Fake mode has no persisted session, so start signed in as the demo user
	if a.fake != nil && command != "login" && command != "register" {
		if _, err := a.quiz.Login(ctx, fakeUser, fakePassword); err != nil {
			return err
		}
		a.session.Sync()
	}

	err = a.dispatch(ctx, command, rest)
	if errors.Is(err, client.ErrSessionExpired) {
		// Remember where the user was so login can point back to it
		_ = a.session.Require(command)
	}
	if g.metrics {
		a.printMetrics()
	}
	return err
}

func newApp(ctx context.Context, cfg *config.Config, g globalFlags, stdin io.Reader, stdout io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logrus.WithField("app", appName),
		bus:      client.NewEventBus(),
		registry: prometheus.NewRegistry(),
		in:       bufio.NewReader(stdin),
		out:      stdout,
	}

	baseURL := cfg.API.BaseURL
	backend := cfg.Credentials.Backend
	if g.fake {
		a.fake = quiztest.New()
		a.closers = append(a.closers, a.fake.Close)
		if _, err := a.fake.AddUser(fakeUser, fakeEmail, fakePassword); err != nil {
			a.Close()
			return nil, err
		}
		baseURL = a.fake.APIURL()
		backend = config.BackendMemory
		a.logger.WithField("url", baseURL).Info("using fake backend")
	}

	store, err := a.openStore(backend, baseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	a.auth = client.NewAuthClient(baseURL, store,
		client.WithNotifier(a.bus),
		client.WithLogger(a.logger),
		client.WithMetrics(client.NewMetrics(a.registry)),
		client.WithSingleFlight(!cfg.Refresh.DisableSingleFlight),
	)

	lang := g.lang
	if lang == "" {
		lang = cfg.API.Language
	}
	a.quiz = quiz.New(a.auth, quiz.WithLanguage(lang), quiz.WithLogger(a.logger))

	a.session = session.New(store, a.bus, session.WithLogger(a.logger))
	a.session.Start()
	a.closers = append(a.closers, a.session.Close)
	a.session.OnChange(func(s session.State) {
		a.logger.WithField("state", s.String()).Debug("session state changed")
	})
	unsubscribe := a.bus.Subscribe(client.EventSessionExpired, func(client.Event) {
		fmt.Fprintln(a.out, "Your session has expired. Run `dogquiz login` to sign in again.")
	})
	a.closers = append(a.closers, unsubscribe)
	return a, nil
}

func (a *app) openStore(backend, baseURL string) (client.CredentialStore, error) {
	switch backend {
	case config.BackendMemory:
		return client.NewMemoryStore(), nil

	case config.BackendSQLite:
		path := a.cfg.Credentials.Path
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			path = filepath.Join(dir, appName, "credentials.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open credentials database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func() { sqlDB.Close() })
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate credentials database: %w", err)
		}
		return gormstore.NewCredentialStore(db, a.cfg.Credentials.Profile), nil

	default:
		return fsstore.NewFSCredentialStore(a.cfg.Credentials.Path, appName, baseURL)
	}
}

// Close releases everything newApp opened, in reverse order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) printMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.WithError(err).Warn("failed to gather metrics")
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("%s %g", name, m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(os.Stderr, l)
	}
}

// prompt reads one line from stdin after printing label
func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
