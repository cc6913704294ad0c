package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/Jamshidjalolov/chatsync/internal/daemon"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	channelFlag := flag.String("channel", "", "channel to activate on start, e.g. group:12 or direct:7")
	configFlag := flag.String("config", "", "config file (default $CHATSYNC_HOME/config.toml)")
	levelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *channelFlag != "" {
		if _, err := model.ParseChannelKey(*channelFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			ConfigPath:  *configFlag,
			Channel:     *channelFlag,
			LogLevel:    *levelFlag,
		}),
	)

	app.Run()
}
