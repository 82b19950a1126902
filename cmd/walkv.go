package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/walkv/config"
)

var (
	walkvCmd = &cobra.Command{
		Use:   "walkv",
		Short: "A transactional key value store",
		Long: "Walkv is a transactional key value store with a write ahead log, " +
			"ARIES style recovery, and multi-version concurrency control.",
		PersistentPreRunE: walkvPreRun,
		PersistentPostRun: walkvPostRun,
		SilenceUsage:      true,
	}

	logStderr = false
	logWriter io.WriteCloser

	configFile = "walkv.hcl"
	noConfig   = false

	cfg = config.Default()
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := walkvCmd.PersistentFlags()
	cfg.Flags(fs)

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
}

func Execute() error {
	return walkvCmd.Execute()
}

func walkvPreRun(cmd *cobra.Command, args []string) error {
	cfg.Used(cmd.Flags())

	if configFile != "" && !noConfig {
		err := cfg.LoadFile(configFile)
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config-file") {
			err = nil
		}
		if err != nil {
			return fmt.Errorf("walkv: %s", err)
		}
	}
	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("walkv: %s", err)
	}

	if !logStderr && cfg.LogFile != "" {
		var err error
		logWriter, err = os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("walkv: %s", err)
		}
		log.SetOutput(logWriter)
	} else {
		log.SetOutput(os.Stderr)
	}

	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("walkv: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("walkv starting")
	return nil
}

func walkvPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("walkv done")

	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}
