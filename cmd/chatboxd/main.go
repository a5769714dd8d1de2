// Command chatboxd runs the chat server: it accepts client and
// peer-server connections, persists accounts/channels/notifications to
// a relational store, and fires message content at a toxicity scoring
// connector.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/horgh/config"

	"github.com/enthyp/chatbox/internal/ai"
	"github.com/enthyp/chatbox/internal/server"
	"github.com/enthyp/chatbox/internal/store"
)

// Args are the command line arguments.
type Args struct {
	ConfigFile string
}

func getArgs() (Args, error) {
	configFile := flag.String("conf", "", "Configuration file.")

	flag.Parse()

	if len(*configFile) == 0 {
		flag.PrintDefaults()
		return Args{}, fmt.Errorf("you must provide a configuration file")
	}

	return Args{ConfigFile: *configFile}, nil
}

var requiredKeys = []string{
	"listen-addr",
	"db-path",
	"server-secret",
}

func loadConfig(file string) (map[string]string, error) {
	configMap, err := config.ReadStringMap(file)
	if err != nil {
		return nil, err
	}

	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists || len(v) == 0 {
			return nil, fmt.Errorf("missing or blank required config key: %s", key)
		}
	}

	return configMap, nil
}

func buildServerConfig(configMap map[string]string) (server.Config, error) {
	cfg := server.Config{
		ListenAddr:   configMap["listen-addr"],
		ServerSecret: configMap["server-secret"],
	}

	cfg.IOWait = 5 * time.Minute
	if v, ok := configMap["io-wait"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return server.Config{}, fmt.Errorf("io-wait is in invalid format: %s", err)
		}
		cfg.IOWait = d
	}

	cfg.NotifyTimeout = time.Second
	if v, ok := configMap["notify-timeout"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return server.Config{}, fmt.Errorf("notify-timeout is in invalid format: %s", err)
		}
		cfg.NotifyTimeout = d
	}

	return cfg, nil
}

func main() {
	log.SetFlags(0)

	args, err := getArgs()
	if err != nil {
		log.Fatal(err)
	}

	configMap, err := loadConfig(args.ConfigFile)
	if err != nil {
		log.Fatal(err)
	}

	srvCfg, err := buildServerConfig(configMap)
	if err != nil {
		log.Fatalf("configuration problem: %s", err)
	}

	st, err := store.Open(configMap["db-path"])
	if err != nil {
		log.Fatalf("unable to open store: %s", err)
	}
	defer st.Close()

	aiTimeout := 2 * time.Second
	if v, ok := configMap["ai-timeout"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			aiTimeout = d
		}
	}
	connector := ai.New(configMap["ai-addr"], aiTimeout)

	loop := server.New(srvCfg, st, connector)

	if err := loop.ListenAndServe(); err != nil {
		log.Fatal(err)
	}

	_, _ = fmt.Fprintln(os.Stderr, "server shutdown cleanly")
}
