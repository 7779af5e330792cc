package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"devcall/internal/sigclient"

	"github.com/spf13/cobra"
)

var (
	loginUser string
	loginRole string

	presenceRate    float64
	presenceMaxRate float64

	historySince time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain an access token",
	Long: `Log in as a client or developer and print the access token as a shell
export line.`,
	Example: `  eval "$(callctl login --user alice --role client)"`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if loginUser == "" {
			return fmt.Errorf("--user is required")
		}
		tokens, err := sigclient.Login(cmd.Context(), settings.APIURL, loginUser, loginRole, nil)
		if err != nil {
			return err
		}
		fmt.Printf("export DEVCALL_ACCESS_TOKEN=%s\n", tokens.AccessToken)
		return nil
	},
}

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the identity behind the access token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sig, err := signalingClient()
		if err != nil {
			return err
		}
		uid, role, err := sig.Me(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", uid, role)
		return nil
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show or change responder availability",
}

var presenceOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Go online at --rate per hour",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setPresence(cmd, true)
	},
}

var presenceOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Go offline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setPresence(cmd, false)
	},
}

var presenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List online responders, cheapest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sig, err := signalingClient()
		if err != nil {
			return err
		}
		list, err := sig.ListPresence(cmd.Context(), presenceMaxRate)
		if err != nil {
			return err
		}
		for _, p := range list {
			fmt.Printf("%-24s %8.2f/h\n", p.Identity, p.HourlyRate)
		}
		return nil
	},
}

func setPresence(cmd *cobra.Command, online bool) error {
	sig, err := signalingClient()
	if err != nil {
		return err
	}
	p, err := sig.SetPresence(cmd.Context(), online, presenceRate)
	if err != nil {
		return err
	}
	return printJSON(p)
}

var incomingCmd = &cobra.Command{
	Use:   "incoming",
	Short: "List calls waiting for your answer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sig, err := signalingClient()
		if err != nil {
			return err
		}
		list, err := sig.ListIncoming(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no incoming calls")
			return nil
		}
		for _, r := range list {
			fmt.Printf("%s  from %-20s  %s ago\n", r.ID, r.RequesterName, time.Since(r.CreatedAt).Truncate(time.Second))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Summarize your calls over --since",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sig, err := signalingClient()
		if err != nil {
			return err
		}
		var from time.Time
		if historySince > 0 {
			from = time.Now().Add(-historySince)
		}
		sum, err := sig.CallsSummary(cmd.Context(), from, time.Time{})
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	loginCmd.Flags().StringVar(&loginUser, "user", "", "identity to log in as")
	loginCmd.Flags().StringVar(&loginRole, "role", "client", "client or developer")

	presenceOnlineCmd.Flags().Float64Var(&presenceRate, "rate", 0, "hourly rate")
	presenceListCmd.Flags().Float64Var(&presenceMaxRate, "max-rate", 0, "only show responders at or below this rate")
	presenceCmd.AddCommand(presenceOnlineCmd, presenceOfflineCmd, presenceListCmd)

	historyCmd.Flags().DurationVar(&historySince, "since", 7*24*time.Hour, "how far back to look (0 for the server default)")
}
