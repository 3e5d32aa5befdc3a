// Command connector-ssh runs monitoring checks over SSH on behalf of a
// monitoring engine. Orders arrive on stdin and results leave on stdout.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Extra-Chill/connector-ssh/internal/audit"
	"github.com/Extra-Chill/connector-ssh/internal/config"
	"github.com/Extra-Chill/connector-ssh/internal/logging"
	"github.com/Extra-Chill/connector-ssh/internal/multiplexer"
	"github.com/Extra-Chill/connector-ssh/internal/policy"
	"github.com/Extra-Chill/connector-ssh/internal/rules"
)

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:           "connector-ssh",
		Short:         "Execute monitoring checks on remote hosts over SSH",
		Args:          cobra.NoArgs,
		Version:       fmt.Sprintf("%d.%d", policy.VersionMajor, policy.VersionMinor),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, file)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdin, stdout)
		},
	}
	cmd.SetVersionTemplate("connector-ssh {{.Version}}\n")
	if err := config.Init(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func run(parent context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	closer, err := logging.Setup(logging.Options{Debug: cfg.Debug, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	engine, err := cfg.RulesEngine()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	modes, err := cfg.Modes()
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		// Restore default signal handling so a second signal kills us.
		<-ctx.Done()
		stop()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadRules(ctx, engine, hup)

	log.Info().
		Int("rules", engine.RuleCount()).
		Str("mode", string(modes.GlobalMode())).
		Int("host_modes", len(modes.HostModes())).
		Msg("ssh connector starting")

	auditLog := audit.NewLogger(audit.NewStore(cfg.Audit.Limit))
	p := policy.New(multiplexer.New(), stdin, stdout, policy.Config{
		Sessions: cfg.Sessions(),
		Rules:    engine,
		Modes:    modes,
		Audit:    auditLog,
	})
	err = p.Run(ctx)
	logAuditSummary(auditLog.Store())
	if err != nil {
		log.Error().Err(err).Msg("connector stopped with error")
		return err
	}

	stats := p.Stats()
	log.Info().Uint64("reported", stats.Reported).Int("decode_errors", stats.DecodeErrors).Msg("ssh connector stopped")
	return nil
}

// reloadRules re-reads the rules file each time a value arrives on reload.
func reloadRules(ctx context.Context, engine *rules.Engine, reload <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
		}
		if engine.RulesPath() == "" {
			log.Warn().Msg("no rules file configured, nothing to reload")
			continue
		}
		if err := engine.Reload(); err != nil {
			log.Error().Err(err).Str("file", engine.RulesPath()).Msg("rules reload failed, keeping previous rules")
			continue
		}
		log.Info().Int("rules", engine.RuleCount()).Str("file", engine.RulesPath()).Msg("rules reloaded")
	}
}

// auditCounts tallies the retained events by kind.
func auditCounts(store *audit.Store) (map[string]int, int) {
	events, total := store.List(0, 0)
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Event]++
	}
	return counts, total
}

func logAuditSummary(store *audit.Store) {
	counts, total := auditCounts(store)
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	ev := log.Info().Int("events", total)
	for _, kind := range kinds {
		ev = ev.Int(kind, counts[kind])
	}
	ev.Msg("audit summary")
}
