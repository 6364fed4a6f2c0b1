package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/app"
	"github.com/park285/cheese-lan/internal/config"
	"github.com/park285/cheese-lan/internal/obslog"
)

var usage = map[string]string{
	"username":           "display name sent to the other player",
	"bind":               "address the peer listener binds to",
	"port":               "peer listener port, 0 picks a free one",
	"advertise":          "address shown to the guest instead of the detected LAN address",
	"rules":              "rule set: checkers or chess",
	"host_color":         "host colour: white, black or random",
	"code_bytes":         "random bytes in a join code",
	"accept_timeout":     "how long to wait for a guest",
	"handshake_timeout":  "how long a handshake may take",
	"ack_timeout":        "how long to wait for a move acknowledgement",
	"heartbeat_interval": "heartbeat period",
	"heartbeat_timeout":  "silence after which the peer counts as gone",
	"redis_url":          "redis URL for the match journal (empty keeps it in memory)",
	"database_url":       "postgres URL for archiving finished matches",
	"webhook_url":        "URL notified about status changes and results",
	"control_addr":       "address of the local control API",
	"message_dir":        "directory with message catalog overrides",
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func newRootCmd() *cobra.Command {
	cmd, _ := buildRoot()
	return cmd
}

func buildRoot() (*cobra.Command, *viper.Viper) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "checkmate",
		Short:         "Two-player board games over the local network.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	fs := cmd.PersistentFlags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	for _, key := range config.Keys {
		fs.String(flagName(key), "", fmt.Sprintf("%s (env: %s)", usage[key], config.EnvName(key)))
	}
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
	})

	cmd.AddCommand(newServeCmd(v), newHostCmd(v), newJoinCmd(v))
	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("checkmate v{{.Version}}\n")
	return cmd, v
}

// resolveConfig layers flags and their env counterparts over config.Load.
func resolveConfig(fs *pflag.FlagSet, v *viper.Viper) (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	for _, key := range config.Keys {
		name := flagName(key)
		f := fs.Lookup(name)
		if f == nil || (!f.Changed && !v.IsSet(name)) {
			continue
		}
		val := v.GetString(name)
		if f.Changed {
			val = f.Value.String()
		}
		if strings.TrimSpace(val) == "" {
			continue
		}
		if err := cfg.Set(key, val); err != nil {
			return nil, fmt.Errorf("--%s: %w", name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime is everything a subcommand needs once flags are resolved.
type runtime struct {
	cfg  *config.AppConfig
	log  *zap.Logger
	deps *app.Deps
	ctrl *app.Controller
}

func (r *runtime) close() {
	if err := r.ctrl.Close(); err != nil {
		r.log.Warn("controller_close", zap.Error(err))
	}
	if err := r.deps.Close(); err != nil {
		r.log.Warn("deps_close", zap.Error(err))
	}
	_ = r.log.Sync()
}

func start(cmd *cobra.Command, v *viper.Viper) (*runtime, error) {
	cfg, err := resolveConfig(cmd.Flags(), v)
	if err != nil {
		return nil, err
	}
	if err := obslog.InitFromEnv(); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := obslog.L()
	deps, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, log: logger, deps: deps, ctrl: app.NewController(deps)}, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
