package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"campus.org/internal/audit"
	"campus.org/internal/campus"
	"campus.org/internal/config"
	"campus.org/internal/credstore"
	"campus.org/internal/dashboard"
	"campus.org/internal/ids"
	"campus.org/internal/obs"
	"campus.org/internal/remote"
	"campus.org/internal/session"
	"campus.org/internal/temporal"
	"campus.org/internal/workflow"
)

type rootOptions struct {
	configPath string
	yes        bool
	metricsOut string
}

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	store  *session.Store
	api    *campus.API
	engine *workflow.Engine

	admin   *dashboard.Admin
	student *dashboard.Student
	officer *dashboard.Officer

	out            io.Writer
	metricsOut     string
	stopTracing    func(context.Context) error
	unsubscribe    func()
	sessionExpired bool
}

func newApp(ctx context.Context, opts rootOptions, in io.Reader, out, errOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	obs.ConfigureLogger(cfg.Log.Level, errOut)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	a := &app{
		cfg:         cfg,
		out:         out,
		metricsOut:  opts.metricsOut,
		stopTracing: obs.SetupTracing(ctx, cfg.ServiceName, cfg.OTel.Endpoint, cfg.OTel.Insecure),
	}

	var creds session.CredentialStore
	if cfg.Session.Driver == "memory" {
		creds = credstore.NewMemory()
	} else {
		sqlStore, db, err := credstore.Open(ctx, cfg.Session.Driver, cfg.Session.DSN)
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		a.db = db
		creds = sqlStore
	}

	decoder := session.NewDecoder(session.WithSecret(cfg.Session.Secret), session.WithIssuer(cfg.Session.Issuer))
	a.store, err = session.NewStore(creds, session.WithDecoder(decoder))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.unsubscribe = a.store.Subscribe(func(ev session.Event) {
		if ev.Kind == session.Invalidated {
			a.sessionExpired = true
			fmt.Fprintln(errOut, "session expired: please run `campusctl login` again")
		}
	})
	if _, err := a.store.Restore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	rc, err := remote.New(cfg.API.BaseURL,
		remote.WithTimeout(cfg.API.Timeout),
		remote.WithRateLimit(cfg.API.RatePerSecond, cfg.API.Burst),
		remote.WithCircuitBreaker(cfg.ServiceName, cfg.API.BreakerFailures, cfg.API.BreakerCooldown),
		remote.WithTokenSource(a.store),
		remote.WithInvalidator(a.store),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.api = campus.New(rc, a.store)

	var confirm workflow.Confirmer = newPromptConfirmer(in, out)
	if opts.yes {
		confirm = workflow.AlwaysConfirm
	}
	loc := cfg.Time.Location
	a.engine = workflow.New(rc,
		workflow.WithConfirmer(confirm),
		workflow.WithNormalizer(temporal.New(temporal.SubmittedFields, temporal.WithLocation(loc))),
	)
	a.admin = dashboard.NewAdmin(a.api, a.engine, a.store, dashboard.WithLocation(loc))
	a.student = dashboard.NewStudent(a.api, a.store, dashboard.WithLocation(loc))
	a.officer = dashboard.NewOfficer(a.api, a.engine, a.store, dashboard.WithLocation(loc))
	return a, nil
}

// requestContext tags one command with a request id and the acting session.
func (a *app) requestContext(ctx context.Context) context.Context {
	ctx = audit.WithRequestID(ctx, ids.New())
	return session.ContextWithSession(ctx, a.store.Get())
}

func (a *app) Close(ctx context.Context) {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.stopTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.stopTracing(shutdownCtx); err != nil {
			obs.Logger().WithError(err).Warn("tracer shutdown failed")
		}
	}
	if a.metricsOut != "" {
		if err := prometheus.WriteToTextfile(a.metricsOut, prometheus.DefaultGatherer); err != nil {
			obs.Logger().WithError(err).Warn("metrics export failed")
		}
	}
}
