package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/vrui-vr/vrdeviced/internal/daemon"
)

const defaultConfigPath = "/etc/vrdeviced/vrdeviced.yml"

func main() {
	var (
		daemonizeFlag = pflag.BoolP("daemonize", "D", false, "fork into the background")
		pidFile       = pflag.String("pidFile", "/var/run/vrdeviced.pid", "PID file location when daemonized")
		logFile       = pflag.String("logFile", "/var/log/vrdeviced.log", "log redirection target when daemonized")
		rootSection   = pflag.String("rootSection", "", "configuration root section name (defaults to hostname, else \"localhost\")")
		mergeConfig   = pflag.StringArray("mergeConfig", nil, "additional configuration fragment to merge (repeatable)")
		httpPort      = pflag.IntP("httpPort", "p", 0, "override the configured status API port")
		help          = pflag.BoolP("help", "h", false, "print usage and exit")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [config-file]\n\nFlags:\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: *daemonizeFlag})

	if *daemonizeFlag {
		if err := daemon.Daemonize(*pidFile, *logFile); err != nil {
			log.Fatal().Err(err).Msg("daemonize failed")
		}
	}

	configPath := defaultConfigPath
	if pflag.NArg() > 0 {
		configPath = pflag.Arg(0)
	}

	ctrl := daemon.New(daemon.Options{
		ConfigPath:   configPath,
		MergeConfigs: *mergeConfig,
		RootSection:  *rootSection,
		HTTPPort:     *httpPort,
	})
	if err := ctrl.Run(); err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("daemon failed")
	}
}
