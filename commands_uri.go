package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"lnd-nwc/internal/nwc"
)

const restartHint = "restart the daemon to apply"

func newURICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Manage wallet connect URIs",
	}

	cmd.AddCommand(
		newURIListCmd(a),
		newURIAddCmd(a),
		newURIImportCmd(a),
		newURIShowCmd(a),
		newURIRemoveCmd(a),
	)

	return cmd
}

func printURI(w io.Writer, uri string, qr bool) error {
	if qr {
		code, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render qr code: %w", err)
		}
		if _, err := fmt.Fprint(w, code.ToSmallString(false)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, uri)
	return err
}

func newURIListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured URIs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, f, err := a.load()
			if err != nil {
				return err
			}
			sessions, err := f.Sessions()
			if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tPUBKEY\tSIGNER\tRELAYS")
			for _, s := range sessions {
				signer := "service"
				if s.IdentityKey() != nil {
					signer = "uri"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.IdentityPubKey, signer, strings.Join(s.Relays, ","))
			}
			return tw.Flush()
		},
	}
}

func newURIAddCmd(a *app) *cobra.Command {
	var (
		relays []string
		qr     bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a new wallet connect URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.open()
			if err != nil {
				return err
			}
			s, err := store.AddURI(args[0], relays)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printURI(out, s.URI(), qr); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.ErrOrStderr(), restartHint)
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&relays, "relay", "r", nil, "relay URL (repeatable)")
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the URI as a QR code")
	_ = cmd.MarkFlagRequired("relay")
	return cmd
}

func newURIImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <name> <uri>",
		Short: "Store a wallet connect URI created elsewhere",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.open()
			if err != nil {
				return err
			}
			s, err := store.ImportURI(args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n%s\n", s.Name, s.IdentityPubKey, restartHint)
			return err
		},
	}
}

func newURIShowCmd(a *app) *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a stored URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, f, err := a.load()
			if err != nil {
				return err
			}
			s, err := f.Session(args[0])
			if err != nil {
				return err
			}
			return printURI(cmd.OutOrStdout(), s.URI(), qr)
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the URI as a QR code")
	return cmd
}

func newURIRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Revoke a wallet connect URI",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.open()
			if err != nil {
				return err
			}
			if err := store.RemoveURI(args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n%s\n", args[0], restartHint)
			return err
		},
	}
}

// relaySummary lists the relays the daemon will listen on.
func relaySummary(sessions []*nwc.Session) string {
	relays := nwc.RelayUnion(sessions)
	if len(relays) == 0 {
		return "none"
	}
	return strings.Join(relays, ", ")
}
