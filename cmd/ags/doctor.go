package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/agenssistant/internal/auth"
	"github.com/zulandar/agenssistant/internal/callback"
	"github.com/zulandar/agenssistant/internal/config"
	"github.com/zulandar/agenssistant/internal/db"
	"gorm.io/gorm"
)

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and storage",
		Long:  "Runs diagnostic checks on the Agenssistant setup: config, platform, storage, schema, Google client secret, and OAuth callback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Agenssistant config file")
	return cmd
}

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusWarn = "WARN"
)

type checkResult struct {
	name   string
	status string
	detail string
}

func pass(name, detail string) checkResult { return checkResult{name, statusPass, detail} }
func fail(name, detail string) checkResult { return checkResult{name, statusFail, detail} }
func warn(name, detail string) checkResult { return checkResult{name, statusWarn, detail} }

// diagnose runs every check in order. Checks after the config are skipped
// when it cannot be loaded, and the schema check needs working storage.
func diagnose(configPath string) []checkResult {
	cfg, first := checkConfig(configPath)
	results := []checkResult{first}
	if cfg == nil {
		for _, name := range []string{"Platform", "Storage", "Schema", "Google client secret", "OAuth callback"} {
			results = append(results, fail(name, "skipped (no config)"))
		}
		return results
	}

	results = append(results, checkPlatform(cfg))
	gormDB, storage := checkStorage(cfg)
	schema := fail("Schema", "skipped (no storage)")
	if gormDB != nil {
		schema = checkSchema(gormDB)
	}
	return append(results, storage, schema, checkGoogleSecret(cfg), checkCallback(cfg))
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Agenssistant Doctor")
	fmt.Fprintln(out, strings.Repeat("=", len("Agenssistant Doctor")))

	tally := map[string]int{}
	for _, r := range diagnose(configPath) {
		fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
		tally[r.status]++
	}
	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", tally[statusPass], tally[statusFail], tally[statusWarn])

	if n := tally[statusFail]; n > 0 {
		return fmt.Errorf("%d check(s) failed", n)
	}
	return nil
}

func checkConfig(path string) (*config.Config, checkResult) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fail("Config file", fmt.Sprintf("%s: %v", path, err))
	}
	return cfg, pass("Config file", path)
}

// checkPlatform only confirms the adapter can be built; tokens are not
// verified against the platform.
func checkPlatform(cfg *config.Config) checkResult {
	if _, err := createAdapter(cfg); err != nil {
		return fail("Platform", err.Error())
	}
	return pass("Platform", cfg.Platform)
}

func checkStorage(cfg *config.Config) (*gorm.DB, checkResult) {
	label := fmt.Sprintf("sqlite %s", cfg.PersistencePath())
	if cfg.Storage.Driver == "mysql" {
		m := cfg.Storage.MySQL
		label = fmt.Sprintf("mysql %s:%d/%s", m.Host, m.Port, m.Database)
	}

	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, fail("Storage", fmt.Sprintf("%s: %v", label, err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fail("Storage", fmt.Sprintf("get sql.DB: %v", err))
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fail("Storage", fmt.Sprintf("%s ping failed: %v", label, err))
	}
	return gormDB, pass("Storage", label)
}

func checkSchema(gormDB *gorm.DB) checkResult {
	all := db.AllModels()
	migrated := 0
	for _, m := range all {
		if gormDB.Migrator().HasTable(m) {
			migrated++
		}
	}
	if migrated == len(all) {
		return pass("Schema", fmt.Sprintf("%d/%d tables migrated", migrated, len(all)))
	}
	return warn("Schema", fmt.Sprintf("%d/%d tables migrated (run 'ags db migrate')", migrated, len(all)))
}

// checkGoogleSecret warns rather than fails: the bot still chats without a
// calendar, and users are told when linking is unavailable.
func checkGoogleSecret(cfg *config.Config) checkResult {
	p := &auth.Provider{
		SecretsPath:     cfg.Google.SecretsPath,
		CredentialsFile: cfg.Google.CredentialsFile,
		RedirectURL:     cfg.Google.RedirectURL,
	}
	if _, err := p.NewFlow([]string{auth.CalendarScope}); err != nil {
		return warn("Google client secret", err.Error())
	}
	return pass("Google client secret", p.SecretFile())
}

func checkCallback(cfg *config.Config) checkResult {
	if !cfg.Callback.Enabled {
		return pass("OAuth callback", "disabled (users paste the code into the chat)")
	}
	return pass("OAuth callback", fmt.Sprintf(":%d%s redirecting from %s", cfg.Callback.Port, callback.Path, cfg.Google.RedirectURL))
}
