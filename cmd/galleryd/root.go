package main

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/lowkey-grid/appconfig"
	"github.com/stevecastle/lowkey-grid/logger"
)

const (
	configFlag   = "config"
	logLevelFlag  = "log-level"
	logLevelConf  = "log.level"
	logFormatFlag = "log-format"
	logFormatConf = "log.format"
)

// newRootCommand reads flags from the command line, then LOWKEY_ prefixed
// environment variables, then the JSON config file.
func newRootCommand() *cobra.Command {
	viper.SetEnvPrefix("LOWKEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "galleryd",
		Short:         "Memory-aware resource governor for large media galleries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String(configFlag, "", "path to config.json (defaults to the data directory)")
	mustBindPFlag(configFlag, flags.Lookup(configFlag))
	flags.String(logLevelFlag, "", "override log.level: none, debug, info, warn or error")
	mustBindPFlag(logLevelConf, flags.Lookup(logLevelFlag))
	flags.String(logFormatFlag, "", "override log.format: json or text")
	mustBindPFlag(logFormatConf, flags.Lookup(logFormatFlag))
	return cmd
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// loadConfig loads the config file and applies flag and environment
// overrides.
func loadConfig() (appconfig.Config, error) {
	cfg, _, err := appconfig.Load(viper.GetString(configFlag))
	if err != nil {
		return cfg, err
	}
	if v := viper.GetString(logLevelConf); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString(logFormatConf); v != "" {
		cfg.Log.Format = v
	}
	if v := viper.GetString(addrConf); v != "" {
		cfg.Server.Addr = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg appconfig.Config) (*logger.ZapLogger, error) {
	return logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
}

// openDB opens a SQLite file with a single connection. busy_timeout helps
// with databases locked by another process.
func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}
