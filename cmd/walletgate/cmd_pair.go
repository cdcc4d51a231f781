package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/blokista/walletgate/pkg/gateway"
)

var pendingOpt struct {
	pin string
}

var pairCmd = &cobra.Command{
	Use:   "pair <wc-uri>",
	Short: "Pair with a dapp from its wc: URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			Topic string `json:"topic"`
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/pair", map[string]string{"uri": args[0]}, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Paired on %s. Waiting for the dapp's proposal.\n", resp.Topic)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show the item waiting for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var v gateway.PendingView
		if err := c.do(cmd.Context(), http.MethodGet, "/pending", nil, &v); err != nil {
			return err
		}
		printPending(cmd, v)
		return nil
	},
}

var pendingApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve the item being shown",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var v gateway.PendingView
		if err := c.do(cmd.Context(), http.MethodGet, "/pending", nil, &v); err != nil {
			return err
		}
		printPending(cmd, v)

		var pin string
		if v.Kind == gateway.KindRequest {
			if pin, err = pinFlagOrPrompt(pendingOpt.pin, "PIN: "); err != nil {
				return err
			}
		}
		var out gateway.Outcome
		if err := c.do(cmd.Context(), http.MethodPost, "/pending/approve", map[string]string{"pin": pin}, &out); err != nil {
			return err
		}
		if out.Session != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Connected. Session %s\n", out.Session.Topic)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved. Result: %s\n", out.Result)
		return nil
	},
}

var pendingRejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject the item being shown",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/pending/reject", struct{}{}, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Rejected.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pairCmd, pendingCmd)
	pendingCmd.AddCommand(pendingApproveCmd, pendingRejectCmd)
	pendingApproveCmd.Flags().StringVar(&pendingOpt.pin, "pin", "", "PIN for signing requests (prompted when omitted)")
}

func printPending(cmd *cobra.Command, v gateway.PendingView) {
	out := cmd.OutOrStdout()
	switch v.Kind {
	case gateway.KindProposal:
		fmt.Fprintf(out, "%s wants to connect (%s)\n", v.Peer.DisplayName(), v.Peer.URL)
	case gateway.KindRequest:
		fmt.Fprintf(out, "%s requests %s on chain %d\n", v.Peer.DisplayName(), v.Method, v.ChainID)
	}
	if v.Summary != "" {
		fmt.Fprintf(out, "  %s\n", v.Summary)
	}
	if v.Queued > 1 {
		fmt.Fprintf(out, "  (%d more queued)\n", v.Queued-1)
	}
}
