package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"workq/internal/broker"
	amqpbroker "workq/internal/broker/amqp"
	brokermem "workq/internal/broker/memory"
	redisbroker "workq/internal/broker/redis"
	sqlitebroker "workq/internal/broker/sqlite"
	"workq/internal/db"
	storemem "workq/internal/store/memory"
	"workq/internal/store/postgres"
	sqlitestore "workq/internal/store/sqlite"
)

func (a *App) openStore(ctx context.Context) error {
	sc := a.Config.Store
	switch sc.Driver {
	case "memory":
		a.Store = storemem.New()
	case "sqlite":
		conn, err := a.sqlite(sc.Path)
		if err != nil {
			return err
		}
		a.Store = sqlitestore.New(conn)
	case "postgres":
		pool, err := db.OpenPostgres(ctx, sc.URL, sc.MaxConns)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := db.MigratePostgres(pool); err != nil {
			return err
		}
		a.Store = postgres.New(pool)
		a.checks["store"] = pool.Ping
	default:
		return fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	a.closers = append(a.closers, a.Store.Close)
	a.log.Info().Str("driver", sc.Driver).Msg("result store ready")
	return nil
}

// sqlite opens and migrates path once; the store and the broker share it
// when they point at the same file.
func (a *App) sqlite(path string) (*sql.DB, error) {
	if conn, ok := a.conns[path]; ok {
		return conn, nil
	}
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, conn.Close)
	if err := db.MigrateSQLite(conn); err != nil {
		return nil, err
	}
	a.conns[path] = conn
	a.checks["sqlite:"+path] = conn.PingContext
	return conn, nil
}

func (a *App) openBroker(ctx context.Context) error {
	bc := a.Config.Broker
	codec, err := broker.CodecByName(bc.Serializer)
	if err != nil {
		return err
	}
	opts := broker.Options{PollTimeout: bc.PollTimeout, VisibilityTimeout: bc.VisibilityTimeout, Codec: codec}

	switch bc.Driver {
	case "memory":
		a.Broker = brokermem.New(opts)
	case "sqlite":
		path := bc.Path
		if path == "" {
			path = a.Config.Store.Path
		}
		if path == "" {
			path = "workq.db"
		}
		conn, err := a.sqlite(path)
		if err != nil {
			return err
		}
		a.Broker = sqlitebroker.New(conn, opts)
	case "redis":
		ropts, err := goredis.ParseURL(bc.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(ropts)
		a.closers = append(a.closers, client.Close)
		b := redisbroker.New(client, opts, redisbroker.WithPrefix(bc.Prefix))
		if err := b.Ping(ctx); err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		a.Broker = b
		a.checks["broker"] = b.Ping
	case "amqp":
		conn, err := amqpbroker.Dial(bc.URL)
		if err != nil {
			return fmt.Errorf("amqp broker: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		prefix := bc.Prefix
		if prefix != "" && !strings.HasSuffix(prefix, ".") {
			prefix += "."
		}
		a.Broker = amqpbroker.New(conn, opts,
			amqpbroker.WithPrefetch(a.Config.Worker.Prefetch),
			amqpbroker.WithQueuePrefix(prefix),
		)
		a.checks["broker"] = func(context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("amqp connection is down")
			}
			return nil
		}
	default:
		return fmt.Errorf("unknown broker driver %q", bc.Driver)
	}
	a.closers = append(a.closers, a.Broker.Close)
	a.log.Info().Str("driver", bc.Driver).Str("serializer", codec.Name()).Msg("broker ready")
	return nil
}
