// Command lnd-nwc connects an LND node to Nostr Wallet Connect clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lnd-nwc/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs. The store is opened lazily so
// flags are parsed first.
type app struct {
	v     *viper.Viper
	store *config.Store
}

func (a *app) open() (*config.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := config.Open(a.v)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) load() (*config.Store, *config.File, error) {
	store, err := a.open()
	if err != nil {
		return nil, nil, err
	}
	f, err := store.Load()
	if err != nil {
		return nil, nil, err
	}
	return store, f, nil
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "lnd-nwc",
		Short:         "Nostr Wallet Connect bridge for LND",
		Long:          "lnd-nwc answers NIP-47 wallet requests from Nostr clients by executing them against an LND node.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ~/.lnd-nwc/config.toml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or text")
	for key, name := range map[string]string{
		config.PathKey: "config",
		"log.level":    "log-level",
		"log.format":   "log-format",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	rootCmd.AddCommand(
		newStartCmd(a),
		newStopCmd(a),
		newStatusCmd(a),
		newInfoCmd(a),
		newURICmd(a),
		newLNDCmd(a),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
