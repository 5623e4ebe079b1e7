package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/config"
	"github.com/eddiefleurent/shortput_closer/internal/dashboard"
	"github.com/eddiefleurent/shortput_closer/internal/feed"
	"github.com/eddiefleurent/shortput_closer/internal/mock"
	"github.com/eddiefleurent/shortput_closer/internal/models"
	"github.com/eddiefleurent/shortput_closer/internal/storage"
)

// app holds what every command builds from the config file.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	out     io.Writer
	session *broker.Session
	journal storage.Interface
	server  *dashboard.Server
}

func newApp(configPath string, out io.Writer, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(logOut)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return &app{cfg: cfg, logger: logger, out: out}, nil
}

// newGateway builds the gateway named by gateway.provider.
func (a *app) newGateway() (broker.Gateway, error) {
	switch a.cfg.Gateway.Provider {
	case "simulated":
		sim := a.cfg.Gateway.Simulated
		var connectErr error
		if sim.ConnectError != "" {
			connectErr = errors.New(sim.ConnectError)
		}
		return mock.NewGateway(mock.Config{
			FirstOrderID:   models.OrderID(sim.FirstOrderID),
			Account:        sim.Account,
			RejectSymbols:  sim.RejectSymbols,
			GenerateChains: true,
			ConnectErr:     connectErr,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported gateway provider %q", a.cfg.Gateway.Provider)
	}
}

// connect opens the broker session and waits for the first order id.
func (a *app) connect(ctx context.Context) error {
	gw, err := a.newGateway()
	if err != nil {
		return err
	}

	a.session = broker.NewSession(gw, a.logger, broker.Config{
		Host:           a.cfg.Gateway.Host,
		Port:           a.cfg.Gateway.Port,
		ClientID:       a.cfg.Gateway.ClientID,
		ConnectTimeout: a.cfg.ConnectTimeout(),
		RequestTimeout: a.cfg.RequestTimeout(),
		OrderThrottle:  a.cfg.OrderThrottle(),
	})
	if err := a.session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	if err := a.session.WaitUntilReady(ctx, a.cfg.ConnectTimeout()); err != nil {
		return fmt.Errorf("gateway not ready: %w", err)
	}
	return nil
}

func (a *app) openJournal() error {
	journal, err := storage.NewStorage(a.cfg.Storage.Backend, a.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	a.journal = journal
	return nil
}

// newReader builds the position feed named by feed.source.
func (a *app) newReader() (*feed.Reader, error) {
	var source feed.RowSource
	switch a.cfg.Feed.Source {
	case "csv":
		source = feed.NewCSVSource(a.cfg.Feed.CSVPath, a.cfg.HeaderRowCount())
	case "json":
		source = feed.NewJSONSource(a.cfg.Feed.JSONURL, a.cfg.FeedTimeout(), a.logger)
	default:
		return nil, fmt.Errorf("unsupported feed source %q", a.cfg.Feed.Source)
	}
	return feed.NewReader(source, a.logger), nil
}

// startDashboard serves session and journal state when enabled.
func (a *app) startDashboard() {
	if !a.cfg.Dashboard.Enabled {
		return
	}
	var session dashboard.SessionSource
	if a.session != nil {
		session = a.session
	}
	a.server = dashboard.NewServer(dashboard.Config{
		Port:      a.cfg.Dashboard.Port,
		AuthToken: a.cfg.Dashboard.AuthToken,
	}, a.journal, session, a.logger)

	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Dashboard server stopped")
		}
	}()
}

// close tears down in reverse order of construction.
func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("Dashboard shutdown failed")
		}
	}
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.WithError(err).Warn("Gateway disconnect failed")
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.WithError(err).Warn("Journal close failed")
		}
	}
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
