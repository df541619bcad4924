package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"otsync/backend/ot/text"
	"otsync/backend/server"
	"otsync/backend/storage"
	"otsync/backend/transport/ws"
)

// config is the yaml server configuration. Command-line flags override it.
type config struct {
	Addr string `yaml:"addr"`
	DB   struct {
		// Driver is "memory" or "sqlite".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	SaveInterval int    `yaml:"saveInterval"`
	LogLevel     string `yaml:"logLevel"`
}

func defaultConfig() config {
	c := config{Addr: ":8080", LogLevel: "info"}
	c.DB.Driver = "memory"
	return c
}

func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, xerrors.Errorf("failed to read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, xerrors.Errorf("failed to parse config %s: %v", path, err)
	}
	return c, nil
}

func main() {
	app := &cli.App{
		Name:  "otsync",
		Usage: "collaborative document synchronization server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "yaml config file"},
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides the config"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger := zerolog.New(zerolog.NewConsoleWriter())
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(c *cli.Context) error {
	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		conf.Addr = addr
	}

	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		return xerrors.Errorf("failed to parse log level: %v", err)
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).
		Level(level).
		With().Timestamp().Logger()

	var db storage.DB
	switch conf.DB.Driver {
	case "", "memory":
		db = storage.NewMemoryDB()
	case "sqlite":
		dsn := conf.DB.DSN
		if dsn == "" {
			dsn = "otsync.db"
		}
		sqliteDB, err := storage.OpenSqlite(dsn)
		if err != nil {
			return err
		}
		defer sqliteDB.Close()
		db = sqliteDB
	default:
		return xerrors.Errorf("unknown db driver %s", conf.DB.Driver)
	}

	srv, err := server.NewServer(server.ServerConfig{
		DB:           db,
		SaveInterval: conf.SaveInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    conf.Addr,
		Handler: ws.NewHandler(srv, text.New(), logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", conf.Addr).Str("db", conf.DB.Driver).Msg("Listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return xerrors.Errorf("failed to serve: %v", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Errorf("failed to shut down: %v", err)
	}
	return nil
}
