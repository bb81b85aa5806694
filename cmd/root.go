package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nandsync/nandsync/nand"
	"github.com/nandsync/nandsync/nus"
	"github.com/nandsync/nandsync/util"
)

const (
	defaultConfigPath = "/etc/nandsync/config.json"
	defaultNANDDir    = "/var/lib/nandsync/nand"
)

var (
	configPath string
	logLevel   string
	logFile    string
	nandDir    string
	nusURL     string

	rootCmd = &cobra.Command{
		Use:          "nandsync",
		Short:        "installs signed title packages into a NAND store and runs online system updates",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "nandsync config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets nandsync log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets nandsync log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVar(&nandDir, "nand-dir", "", fmt.Sprintf("NAND storage root directory (default %q)", defaultNANDDir))
	rootCmd.PersistentFlags().StringVar(&nusURL, "nus-url", "", fmt.Sprintf("update service endpoint (default %q)", nus.DefaultUpdateURL))

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupCmd applies env overrides, initializes logging and loads the config,
// creating it with defaults on the first run. Command-specific fields of
// input are applied on top of the persistent flags.
func setupCmd(input ConfigInput) (*Config, error) {
	SetFlagsFromEnvVars(rootCmd)

	if err := util.InitLog(logLevel, logFile); err != nil {
		return nil, fmt.Errorf("failed initializing log %v", err)
	}

	input.ConfigPath = configPath
	input.NUSURL = nusURL
	input.NANDDir = nandDir
	return UpdateOrCreateConfig(input)
}

// openStore opens the NAND store the config points at.
func openStore(config *Config) (*nand.Store, error) {
	store, err := nand.NewStore(nand.Config{
		Dir:      config.NANDDir,
		DeviceID: config.HardwareID,
	})
	if err != nil {
		return nil, fmt.Errorf("open NAND store at %s: %w", config.NANDDir, err)
	}
	return store, nil
}

// SetupCloseHandler handles SIGTERM signal and cancels the run context
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		done := ctx.Done()
		select {
		case <-done:
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix NS_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		envVar := FlagNameToEnvVar(f.Name, "NS_")

		if value, present := os.LookupEnv(envVar); present {
			err := flags.Set(f.Name, value)
			if err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envVar, err)
			}
		}
	})
}

// FlagNameToEnvVar converts flag name to environment var name adding a prefix,
// replacing dashes and making all uppercase (e.g. nand-dir is converted to NS_NAND_DIR according to the input prefix)
func FlagNameToEnvVar(cmdFlag string, prefix string) string {
	parsed := strings.ReplaceAll(cmdFlag, "-", "_")
	upper := strings.ToUpper(parsed)
	return prefix + upper
}
