package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

var sessionsOpt struct {
	json bool
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and end dapp sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var list []wc.SessionView
		if err := c.do(cmd.Context(), http.MethodGet, "/sessions", nil, &list); err != nil {
			return err
		}
		if sessionsOpt.json {
			return printJSON(cmd, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TOPIC\tDAPP\tCHAINS\tACCOUNT\tEXPIRES")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Topic, s.Peer.DisplayName(), joinChainIDs(s.Chains),
				s.Address.Hex(), s.Expiry.Local().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var sessionsDisconnectCmd = &cobra.Command{
	Use:   "disconnect <topic>",
	Short: "End a session and notify the dapp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.do(cmd.Context(), http.MethodDelete, "/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Disconnected.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDisconnectCmd)
	sessionsListCmd.Flags().BoolVar(&sessionsOpt.json, "json", false, "print JSON")
}

func joinChainIDs(ids []int64) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprint(id)
	}
	return s
}
