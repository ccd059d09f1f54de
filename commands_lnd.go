package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lnd-nwc/internal/lightning/lnd"
	"lnd-nwc/internal/nips"
)

const nodeInfoTimeout = 15 * time.Second

func newLNDCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lnd",
		Short: "Configure the LND connection",
	}

	cmd.AddCommand(
		newLNDSetCmd(a),
		newLNDInfoCmd(a),
	)

	return cmd
}

func newLNDSetCmd(a *app) *cobra.Command {
	var host, cert, macaroon string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store the node address and credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host == "" && cert == "" && macaroon == "" {
				return fmt.Errorf("nothing to set, pass --host, --cert or --macaroon")
			}
			store, err := a.open()
			if err != nil {
				return err
			}
			if err := store.SetLND(host, cert, macaroon); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved lnd settings to %s\n", store.Path())
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "gRPC address, e.g. localhost:10009")
	cmd.Flags().StringVar(&cert, "cert", "", "path to tls.cert")
	cmd.Flags().StringVar(&macaroon, "macaroon", "", "path to the admin macaroon")
	return cmd
}

func newLNDInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Connect to the node and print its identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, f, err := a.load()
			if err != nil {
				return err
			}
			if f.LND.Host == "" {
				return fmt.Errorf("lnd host not configured, run `lnd-nwc lnd set`")
			}
			log := InitLogger(f.Log.Level, f.Log.Format, cmd.ErrOrStderr())

			ctx, cancel := context.WithTimeout(cmd.Context(), nodeInfoTimeout)
			defer cancel()
			client, err := lnd.Dial(ctx, lnd.Config{
				Host:         f.LND.Host,
				CertFile:     f.LND.CertFile,
				MacaroonFile: f.LND.MacaroonFile,
			}, log)
			if err != nil {
				return err
			}
			defer client.Close()

			node, err := client.NodeInfo(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "alias:   %s\npubkey:  %s\nnetwork: %s\nheight:  %d\n",
				node.Alias, node.PubKey, node.Network, node.BlockHeight)
			return err
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the service identity and configuration summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, f, err := a.load()
			if err != nil {
				return err
			}
			log := InitLogger(f.Log.Level, f.Log.Format, cmd.ErrOrStderr())
			keys, err := serviceKeys(store, f, log)
			if err != nil {
				return err
			}
			npub, err := nips.EncodeNpub(keys.PublicKey())
			if err != nil {
				return err
			}
			sessions, err := f.Sessions()
			if err != nil {
				log.Warn("skipping invalid uris", "error", err)
			}

			host := f.LND.Host
			if host == "" {
				host = "not configured"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"config:  %s\npubkey:  %s\nnpub:    %s\nlnd:     %s\nuris:    %d\nrelays:  %s\n",
				store.Path(), keys.PublicKey(), npub, host, len(sessions), relaySummary(sessions))
			return err
		},
	}
}
