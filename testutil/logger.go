package testutil

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

var (
	logFile   = ""
	logLevel  = "debug"
	logStderr = false
)

func init() {
	flag.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
}

// SetupLogger returns a logger which appends to file, unless the tests were run with
// -log-stderr or -log-file.
func SetupLogger(file string) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	if logStderr {
		logger.SetOutput(os.Stderr)
	} else {
		if logFile != "" {
			file = logFile
		}

		os.MkdirAll(filepath.Dir(file), 0755)
		w, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			panic(err)
		}
		fmt.Fprintln(w)
		logger.SetOutput(w)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		panic(err)
	}
	logger.SetLevel(ll)

	logger.WithField("pid", os.Getpid()).Info("tests starting")
	return logger
}
