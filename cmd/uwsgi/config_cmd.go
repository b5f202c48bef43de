package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blue-goji/uwsgi"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage uwsgi configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default uwsgi configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return errors.New("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				outPath = uwsgi.DefaultConfigFileName
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if dir := filepath.Dir(outPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create config dir: %w", err)
				}
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to ./%s)", uwsgi.DefaultConfigFileName))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command's flags; keys are the flag names so
// the generated file binds through the same viper keys.
type configDefaults struct {
	Socket                    []string `yaml:"socket"`
	EdgeTriggered             bool     `yaml:"edge-triggered"`
	Mount                     []string `yaml:"mount"`
	Threads                   int      `yaml:"threads"`
	Async                     int      `yaml:"async"`
	BufferSize                string   `yaml:"buffer-size"`
	CloseOnExec               bool     `yaml:"close-on-exec"`
	SocketTimeout             string   `yaml:"socket-timeout"`
	Harakiri                  string   `yaml:"harakiri"`
	HarakiriStandalone        bool     `yaml:"harakiri-standalone"`
	ReapInterval              string   `yaml:"reap-interval"`
	MaxRequests               uint64   `yaml:"max-requests"`
	ReloadOnRSS               string   `yaml:"reload-on-rss"`
	ReloadOnAS                string   `yaml:"reload-on-as"`
	MemoryReport              bool     `yaml:"memory-report"`
	PostBuffering             string   `yaml:"post-buffering"`
	PostBufferingBufSize      string   `yaml:"post-buffering-bufsize"`
	UploadProgress            string   `yaml:"upload-progress"`
	TempDir                   string   `yaml:"temp-dir"`
	Reaper                    bool     `yaml:"reaper"`
	NoOrphans                 bool     `yaml:"no-orphans"`
	ConnguardEnabled          bool     `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int      `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string   `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string   `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string   `yaml:"connguard-probe-timeout"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Socket:                    []string{uwsgi.DefaultSocket},
		Mount:                     []string{"/=echo"},
		Threads:                   1,
		BufferSize:                configHumanizeBytes(uwsgi.DefaultBufferSize),
		SocketTimeout:             uwsgi.DefaultSocketTimeout.String(),
		Harakiri:                  "0s",
		ReapInterval:              uwsgi.DefaultReapInterval.String(),
		PostBufferingBufSize:      configHumanizeBytes(uwsgi.DefaultPostBufferingBufSize),
		ConnguardFailureThreshold: uwsgi.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    uwsgi.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    uwsgi.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     "0s",
		MetricsListen:             uwsgi.DefaultMetricsListen,
		PprofListen:               uwsgi.DefaultPprofListen,
		ShutdownTimeout:           uwsgi.DefaultShutdownTimeout.String(),
		LogLevel:                  "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}

func configHumanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}
