package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/throttlekit/throttled/internal/app"
	"github.com/throttlekit/throttled/internal/config"
	"github.com/throttlekit/throttled/internal/http/api/admin/permissions"
	"github.com/throttlekit/throttled/internal/security"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and runs the selected command.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("throttled", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	listen := fs.String("listen", "", "listen address, overrides the config file")
	initConfig := fs.Bool("init", false, "write a starter config file and exit")
	initDB := fs.String("init-db", "", "database for -init: sqlite or postgres (empty keeps policies in config)")
	initDBPath := fs.String("init-db-path", "", "sqlite file for -init")
	migrate := fs.Bool("migrate", false, "run policy database migrations and exit")
	issueToken := fs.String("issue-token", "", "print an admin API token for this subject and exit")
	tokenPerms := fs.String("permissions", "", "comma separated permissions or scopes (policies:read) for -issue-token; empty grants all")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	configPath := config.ResolveConfigPath(os.Getenv(config.EnvConfigPath))
	if strings.TrimSpace(*cfgPath) != "" {
		configPath = config.ResolveConfigPath(*cfgPath)
	}

	if *initConfig {
		opts := app.InitOptions{Listen: *listen, DatabaseType: *initDB, DatabasePath: *initDBPath}
		if errWrite := app.WriteConfigFile(configPath, opts); errWrite != nil {
			return errWrite
		}
		log.Infof("config written to %s", configPath)
		return nil
	}

	appCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*listen) != "" {
		appCfg.Listen = strings.TrimSpace(*listen)
	}

	closer, errLogging := app.ConfigureLogging(appCfg.Logging)
	if errLogging != nil {
		return errLogging
	}
	defer func() { _ = closer.Close() }()

	switch {
	case *migrate:
		return app.Migrate(ctx, appCfg)
	case strings.TrimSpace(*issueToken) != "":
		return printToken(appCfg, strings.TrimSpace(*issueToken), *tokenPerms)
	}

	if !app.ConfigExists(configPath) {
		log.Warnf("config file %s not found, running with defaults", configPath)
	}
	return app.RunServer(ctx, appCfg)
}

func printToken(cfg config.AppConfig, subject, rawPerms string) error {
	if strings.TrimSpace(cfg.Admin.Secret) == "" {
		return errors.New("admin.jwt-secret is not configured")
	}
	var perms []string
	for _, perm := range strings.Split(rawPerms, ",") {
		if trimmed := strings.TrimSpace(perm); trimmed != "" {
			perms = append(perms, trimmed)
		}
	}
	perms = permissions.NormalizePermissions(permissions.Expand(perms))
	if errValidate := permissions.ValidatePermissions(perms); errValidate != nil {
		return errValidate
	}
	token, errIssue := security.IssueAdminToken(cfg.Admin.Secret, subject, perms, len(perms) == 0, cfg.Admin.Expiry)
	if errIssue != nil {
		return errIssue
	}
	fmt.Println(token)
	return nil
}
