package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/blue-goji/uwsgi"
	"github.com/blue-goji/uwsgi/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("UWSGI_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "uwsgi")
	cmd := newRootCommand(baseLogger, viper.New())
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

// byteSize reads a humanized byte size ("512MB", "64KiB", "1024").
func byteSize(v *viper.Viper, name string) (uint64, error) {
	raw := strings.TrimSpace(v.GetString(name))
	if raw == "" || raw == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if _, err := os.Stat(uwsgi.DefaultConfigFileName); err != nil {
			return "", nil
		}
		cfgPath = uwsgi.DefaultConfigFileName
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "uwsgi",
		Short:         "uwsgi runs a request-processing worker speaking the uwsgi and HTTP protocols",
		SilenceErrors: true,
		Example: `
  # Echo application on a uwsgi socket, four threads, recycle every 1000 requests
  uwsgi --socket uwsgi://127.0.0.1:3031 --mount /=echo --threads 4 --max-requests 1000

  # Static files over plain HTTP with a 30s harakiri and body buffering
  uwsgi --socket http://:8080 --mount /static=static:/srv/www --harakiri 30s --post-buffering 64KiB

  # Upload progress files for spilled bodies
  uwsgi --socket http://:8080 --mount /=echo --post-buffering 1MB --upload-progress /run/progress

  # Same, configured through the environment
  UWSGI_SOCKET=uwsgi+unix:///run/app.sock UWSGI_MOUNT=/=echo uwsgi
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			opts, err := processOptions(v, logger)
			if err != nil {
				return err
			}

			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info("welcome to uwsgi",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
				"sockets", len(cfg.Sockets),
				"mounts", len(cfg.Mounts))

			server, err := uwsgi.NewServer(cfg, opts...)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			stopOnCancel := context.AfterFunc(cmd.Context(), server.Stop)
			defer stopOnCancel()

			if err := server.Start(); err != nil && !errors.Is(err, uwsgi.ErrServerClosed) {
				return err
			}
			cliLogger.Info("worker exited", "reason", string(server.ExitReason()), "requests", server.Health().Requests())
			return nil
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to ./"+uwsgi.DefaultConfigFileName+" when present)")
	cmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringSlice("socket", []string{uwsgi.DefaultSocket}, "listening socket <protocol>[+unix]://<address> (repeatable)")
	flags.Bool("edge-triggered", false, "accept without a readiness wait on every socket")
	flags.StringSlice("mount", nil, "mount point <prefix>=<handler>[,modifier1=N][,touch=<file>] (handlers: echo, static:<dir>)")
	flags.Int("threads", 1, "synchronous request slots")
	flags.Int("async", 0, "request slots multiplexed by one readiness loop")
	flags.String("buffer-size", configHumanizeBytes(uwsgi.DefaultBufferSize), "maximum request header size")
	flags.Bool("close-on-exec", false, "mark accepted connections close-on-exec")
	flags.Duration("socket-timeout", uwsgi.DefaultSocketTimeout, "timeout for each header and body read")
	flags.Duration("harakiri", 0, "per-request budget before the worker is killed (0 disables)")
	flags.Bool("harakiri-standalone", false, "arm per-slot alarms instead of supervised deadlines")
	flags.Duration("reap-interval", uwsgi.DefaultReapInterval, "how often supervised harakiri deadlines are inspected")
	flags.Uint64("max-requests", 0, "recycle the worker after this many requests (0 disables)")
	flags.String("reload-on-rss", "", "recycle the worker once resident memory exceeds this size (e.g. 512MB)")
	flags.String("reload-on-as", "", "recycle the worker once address space exceeds this size")
	flags.Bool("memory-report", false, "log memory usage after every request")
	flags.String("post-buffering", "", "buffer request bodies up to this size in memory, spill larger ones to disk")
	flags.String("post-buffering-bufsize", configHumanizeBytes(uwsgi.DefaultPostBufferingBufSize), "chunk size used while buffering bodies")
	flags.String("upload-progress", "", "directory for upload progress files (requires --post-buffering)")
	flags.String("temp-dir", "", "directory for spilled request bodies (defaults to the system temp dir)")
	flags.Bool("reaper", false, "reap exited child processes after every request")
	flags.Bool("no-orphans", false, "exit when the supervisor control channel closes")
	flags.Int("control-fd", -1, "inherited descriptor carrying supervisor signal numbers (-1 disables)")
	flags.Int("emperor-fd", -1, "inherited descriptor receiving the loyalty byte (-1 disables)")
	flags.Bool("connguard-enabled", false, "block remotes that repeatedly send malformed headers or connect silently")
	flags.Int("connguard-failure-threshold", uwsgi.DefaultConnguardFailureThreshold, "suspicious events before a remote is blocked")
	flags.Duration("connguard-failure-window", uwsgi.DefaultConnguardFailureWindow, "window over which suspicious events are counted")
	flags.Duration("connguard-block-duration", uwsgi.DefaultConnguardBlockDuration, "how long a remote stays blocked")
	flags.Duration("connguard-probe-timeout", 0, "wait this long for a connection's first byte at accept (0 disables)")
	flags.String("metrics-listen", uwsgi.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", uwsgi.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", uwsgi.DefaultShutdownTimeout, "how long shutdown waits for in-flight requests")

	v.SetEnvPrefix("UWSGI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bind := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil {
				panic(err)
			}
		})
	}
	bind(cmd.PersistentFlags())
	bind(flags)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper) (uwsgi.Config, error) {
	var cfg uwsgi.Config
	edge := v.GetBool("edge-triggered")
	for _, raw := range v.GetStringSlice("socket") {
		if raw = strings.TrimSpace(raw); raw != "" {
			cfg.Sockets = append(cfg.Sockets, uwsgi.SocketConfig{Address: raw, EdgeTriggered: edge})
		}
	}
	for _, raw := range v.GetStringSlice("mount") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		m, err := uwsgi.ParseMount(raw)
		if err != nil {
			return cfg, err
		}
		cfg.Mounts = append(cfg.Mounts, m)
	}
	cfg.Threads = v.GetInt("threads")
	cfg.Async = v.GetInt("async")
	bufferSize, err := byteSize(v, "buffer-size")
	if err != nil {
		return cfg, err
	}
	cfg.BufferSize = int(bufferSize)
	cfg.CloseOnExec = v.GetBool("close-on-exec")
	cfg.SocketTimeout = v.GetDuration("socket-timeout")
	cfg.Harakiri = v.GetDuration("harakiri")
	cfg.HarakiriStandalone = v.GetBool("harakiri-standalone")
	cfg.ReapInterval = v.GetDuration("reap-interval")
	cfg.MaxRequests = v.GetUint64("max-requests")
	if cfg.ReloadOnRSS, err = byteSize(v, "reload-on-rss"); err != nil {
		return cfg, err
	}
	if cfg.ReloadOnAS, err = byteSize(v, "reload-on-as"); err != nil {
		return cfg, err
	}
	cfg.MemoryReport = v.GetBool("memory-report")
	postBuffering, err := byteSize(v, "post-buffering")
	if err != nil {
		return cfg, err
	}
	cfg.PostBuffering = int64(postBuffering)
	bufsize, err := byteSize(v, "post-buffering-bufsize")
	if err != nil {
		return cfg, err
	}
	cfg.PostBufferingBufSize = int(bufsize)
	cfg.UploadProgressDir = v.GetString("upload-progress")
	cfg.TempDir = v.GetString("temp-dir")
	cfg.Reaper = v.GetBool("reaper")
	cfg.NoOrphans = v.GetBool("no-orphans")
	cfg.ConnguardEnabled = v.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = v.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = v.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = v.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = v.GetDuration("connguard-probe-timeout")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// processOptions wires the inherited descriptors and the signal policy.
func processOptions(v *viper.Viper, logger pslog.Logger) ([]uwsgi.Option, error) {
	opts := []uwsgi.Option{
		uwsgi.WithLogger(logger),
		uwsgi.WithSignalHandling(),
	}
	if fd := v.GetInt("control-fd"); fd >= 0 {
		f := os.NewFile(uintptr(fd), "control")
		if f == nil {
			return nil, fmt.Errorf("control-fd %d is not a valid descriptor", fd)
		}
		opts = append(opts, uwsgi.WithControl(f))
	}
	if fd := v.GetInt("emperor-fd"); fd >= 0 {
		f := os.NewFile(uintptr(fd), "emperor")
		if f == nil {
			return nil, fmt.Errorf("emperor-fd %d is not a valid descriptor", fd)
		}
		opts = append(opts, uwsgi.WithEmperor(f))
	}
	return opts, nil
}
