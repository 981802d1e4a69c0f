package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/portalwerk/portal-core/backend"
	"github.com/portalwerk/portal-core/backend/localauth"
	"github.com/portalwerk/portal-core/backend/natsfeed"
	"github.com/portalwerk/portal-core/backend/oidcauth"
	"github.com/portalwerk/portal-core/backend/postgres"
	"github.com/portalwerk/portal-core/internal/config"
	"github.com/portalwerk/portal-core/session"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("Error running portal host")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Portal host stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	setupLogging(c)
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rowStore, pool, err := buildRowStore(ctx, c)
	if err != nil {
		return err
	}
	defer pool.Close()

	accounts, profiles, err := buildAccounts(ctx, c, rowStore)
	if err != nil {
		return err
	}

	store, err := session.NewStore(accounts, profiles, &hostNavigator{})
	if err != nil {
		return err
	}
	if err := store.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial session resolution failed; continuing unauthenticated")
	}
	defer store.Stop()

	waitForStopSignal()
	return nil
}

func buildRowStore(ctx context.Context, c config.Config) (backend.RowStore, *pgxpool.Pool, error) {
	dsn := c.GetDatabaseURL()
	if dsn == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	pg := postgres.NewStore(pool)

	if natsURL := c.GetNatsURL(); natsURL != "" {
		conn, err := nats.Connect(natsURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("nats.Connect: %w", err)
		}
		feed, err := natsfeed.New(conn)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Str("url", natsURL).Msg("Change feed on NATS")
		return backend.Combine(pg, pg, feed), pool, nil
	}
	log.Info().Msg("Change feed on Postgres LISTEN/NOTIFY")
	return pg, pool, nil
}

func buildAccounts(ctx context.Context, c config.Config, rows backend.RowReader) (backend.AccountStore, backend.ProfileLookup, error) {
	if issuer := c.GetOidcIssuer(); issuer != "" {
		store, err := oidcauth.New(ctx, issuer, c.GetOidcClientID(), c.GetOidcClientSecret(), c.GetOidcRedirectURL())
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("issuer", issuer).Msg("Accounts via OIDC provider")
		return store, &tableProfiles{rows: rows}, nil
	}

	key := c.GetSigningKey()
	if key == "" {
		return nil, nil, errors.New("SESSION_SIGNING_KEY is required without an OIDC issuer")
	}
	store, err := localauth.New([]byte(key))
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msg("Accounts via local store")
	return store, store, nil
}

// tableProfiles resolves roles from the profiles table, the canonical source
// of identity when accounts live at an external provider.
type tableProfiles struct {
	rows backend.RowReader
}

func (p *tableProfiles) GetRole(ctx context.Context, userID string) (string, error) {
	rows, err := p.rows.Query(ctx, "profiles", &backend.Filter{Column: "user_id", Value: userID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	role, _ := rows[0]["role"].(string)
	return role, nil
}

func setupLogging(c config.Config) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

// hostNavigator is the headless host's navigation layer: it only records the
// current route and logs transitions.
type hostNavigator struct {
	current string
}

func (n *hostNavigator) Current() string {
	return n.current
}

func (n *hostNavigator) NavigateTo(path string) {
	log.Info().Str("from", n.current).Str("to", path).Msg("navigate")
	n.current = path
}
