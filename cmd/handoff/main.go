// Command handoff runs at most one file opener per host. The first launch
// becomes the leader and keeps running; later launches hand the files they
// were given to it and exit, or open the files themselves if the leader
// declines.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/ngrok/handoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "handoff",
		Short:         "Open files in a single per-host instance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a config file (yaml, toml or json)")
	flags.String("segment", handoff.DefaultSegmentName, "name of the shared memory channel")
	flags.String("lock", handoff.DefaultLockName, "name of the leader lock")
	flags.String("lock-dir", os.TempDir(), "directory holding the leader lock file")
	flags.String("shm-dir", handoff.DefaultShmDir, "directory channels are created in")
	flags.Int("max-payload", 100, "request payload capacity of a created channel, in bytes")
	flags.Duration("presence-timeout", handoff.DefaultPresenceTimeout, "how long a follower waits for the leader's acknowledgement")
	flags.Duration("grace-timeout", handoff.DefaultGraceTimeout, "how long the leader waits for the follower to read its reply")
	flags.Duration("reply-timeout", 0, "how long a follower waits for the leader's reply (0 waits until the leader answers or exits)")
	flags.Duration("open-timeout", handoff.DefaultOpenTimeout, "how long a follower waits for the leader's channel to appear")
	flags.String("log-level", "info", "log level (debug, info, warn, error, crit)")
	flags.String("metrics-addr", "", "address to serve prometheus metrics on while leading (disabled if empty)")
	bindFlags(v, flags)

	root.AddCommand(newOpenCmd(v), newTeardownCmd(v))
	return root
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	v.SetEnvPrefix("HANDOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	return nil
}

func newLogger(v *viper.Viper, w io.Writer) (log15.Logger, error) {
	lvl, err := log15.LvlFromString(v.GetString("log-level"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing log level")
	}
	l := log15.New("instance", uuid.NewString(), "pid", os.Getpid())
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(w, log15.LogfmtFormat())))
	return l, nil
}

// options turns the resolved configuration into handoff options. metrics may
// be nil.
func options(v *viper.Viper, l log15.Logger, metrics *handoff.Metrics) []handoff.Option {
	return []handoff.Option{
		handoff.WithSegmentName(v.GetString("segment")),
		handoff.WithLockName(v.GetString("lock")),
		handoff.WithLockDir(v.GetString("lock-dir")),
		handoff.WithShmDir(v.GetString("shm-dir")),
		handoff.WithMaxPayload(v.GetInt("max-payload")),
		handoff.WithPresenceTimeout(v.GetDuration("presence-timeout")),
		handoff.WithGraceTimeout(v.GetDuration("grace-timeout")),
		handoff.WithReplyTimeout(v.GetDuration("reply-timeout")),
		handoff.WithOpenTimeout(v.GetDuration("open-timeout")),
		handoff.WithLogger(l),
		handoff.WithMetrics(metrics),
	}
}

func newMetrics() (*prometheus.Registry, *handoff.Metrics) {
	reg := prometheus.NewRegistry()
	return reg, handoff.NewMetrics(reg)
}
