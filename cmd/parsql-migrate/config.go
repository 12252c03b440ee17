package main

import (
	"os"
	"strconv"
	"time"

	"github.com/parsql/migrations"
	"github.com/parsql/migrations/logger"
	"github.com/parsql/migrations/source"
	"github.com/parsql/migrations/sqlconn"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type config struct {
	DatabaseURL     string `yaml:"database_url"`
	Driver          string `yaml:"driver"`
	Folder          string `yaml:"migrations_folder"`
	Table           string `yaml:"migrations_table"`
	LockTimeoutSec  int    `yaml:"lock_timeout_sec"`
	NoTransactions  bool   `yaml:"no_transactions"`
	AllowOutOfOrder bool   `yaml:"allow_out_of_order"`
	ContinueOnError bool   `yaml:"continue_on_error"`
}

func defaultConfig() *config {
	return &config{
		Driver:         "postgres",
		Folder:         source.DefaultFolder,
		Table:          migrations.DefaultMigrationsTable,
		LockTimeoutSec: 10,
	}
}

func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read config file [%s]", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "could not parse config file [%s]", path)
		}
	}

	cfg.mergeEnv()
	return cfg, nil
}

func (c *config) mergeEnv() {
	if v := os.Getenv("PARSQL_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("PARSQL_DRIVER"); v != "" {
		c.Driver = v
	}
	if v := os.Getenv("PARSQL_MIGRATIONS_FOLDER"); v != "" {
		c.Folder = v
	}
	if v := os.Getenv("PARSQL_MIGRATIONS_TABLE"); v != "" {
		c.Table = v
	}
	if v := os.Getenv("PARSQL_LOCK_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.LockTimeoutSec = sec
		}
	}
}

// command line flags win over file and environment
func (c *config) merge(f flags) {
	if f.db != "" {
		c.DatabaseURL = f.db
	}
	if f.driver != "" {
		c.Driver = f.driver
	}
	if f.folder != "" {
		c.Folder = f.folder
	}
	if f.table != "" {
		c.Table = f.table
	}
}

func (c *config) lockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}

func buildRunner(cfg *config, lg logger.Logger) (*migrations.Runner, *sqlconn.Conn, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, nil, errors.New("no database url configured, use -db or PARSQL_DATABASE_URL")
	}

	set, err := source.Scan(cfg.Folder)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []migrations.Option{
		migrations.WithTableName(cfg.Table),
		migrations.WithLockTimeout(cfg.lockTimeout()),
		migrations.WithLogger(lg),
	}
	if cfg.NoTransactions {
		opts = append(opts, migrations.WithoutTransactions())
	}
	if cfg.AllowOutOfOrder {
		opts = append(opts, migrations.AllowOutOfOrder())
	}
	if cfg.ContinueOnError {
		opts = append(opts, migrations.ContinueOnError())
	}

	runner := migrations.NewRunner(opts...).AddMany(set...)

	tableCfg := migrations.DefaultTableConfig()
	tableCfg.TableName = cfg.Table

	conn, err := sqlconn.Open(
		cfg.Driver,
		cfg.DatabaseURL,
		sqlconn.WithTableConfig(tableCfg),
		sqlconn.WithLogger(lg),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	closer := func() {
		if err := conn.Close(); err != nil {
			lg.Error(err)
		}
	}

	return runner, conn, closer, nil
}
