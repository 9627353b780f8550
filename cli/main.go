package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/tether/pkg/broadcast"
	"github.com/haasonsaas/tether/pkg/registration"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	adminName  string
	Version    = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tether",
		Short:         "Tether - agent registration and device inventory",
		Long:          "Approve agent registrations, manage tokens and inspect device inventory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("TETHER_SERVER_URL", "http://localhost:8080"), "Tether server URL")
	root.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("TETHER_ADMIN_TOKEN"), "Admin API token")
	root.PersistentFlags().StringVar(&adminName, "as", envOr("USER", ""), "Name recorded as approver")

	root.AddCommand(
		statusCmd(),
		registrationsCmd(),
		tokensCmd(),
		devicesCmd(),
		deviceCmd(),
		watchCmd(),
		versionCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *adminClient {
	return newAdminClient(serverURL, adminToken, adminName, nil)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp statsResponse
			if err := client().get(cmd.Context(), "/v1/admin/stats", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tether Status\n")
			fmt.Fprintf(out, "=============\n\n")
			fmt.Fprintf(out, "Total Devices:          %d\n", resp.Devices.TotalDevices)
			fmt.Fprintf(out, "Online:                 %d\n", resp.Devices.OnlineDevices)
			fmt.Fprintf(out, "Offline:                %d\n", resp.Devices.OfflineDevices)
			fmt.Fprintf(out, "Pending Registrations:  %d\n", resp.Devices.PendingRegistrations)
			fmt.Fprintf(out, "Dashboard Subscribers:  %d\n", resp.Subscribers.Dashboard)
			return nil
		},
	}
}

func registrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "registrations",
		Aliases: []string{"regs"},
		Short:   "List and decide agent registrations",
	}

	var status string
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/registrations"
			if status != "" {
				path += "?status=" + status
			}
			var resp struct {
				Registrations []store.PendingRegistration `json:"registrations"`
			}
			if err := client().get(cmd.Context(), path, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tHOSTNAME\tOS\tSTATUS\tREQUESTED")
			for _, r := range resp.Registrations {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s %s\t%s\t%s ago\n",
					r.ID, r.AgentID, r.Hostname, r.OSType, r.OSVersion, r.Status, since(r.RequestedAt))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending, approved, rejected)")

	cmd.AddCommand(list,
		decideCmd("approve", "Approve pending registrations"),
		decideCmd("reject", "Reject pending registrations"),
	)
	return cmd
}

// decideCmd approves or rejects one registration, or several in one bulk call.
func decideCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID [ID...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			c := client()
			out := cmd.OutOrStdout()

			if len(ids) == 1 {
				var resp struct {
					Status  string `json:"status"`
					TokenID uint   `json:"token_id"`
				}
				path := fmt.Sprintf("/v1/admin/registrations/%d/%s", ids[0], verb)
				if err := c.post(cmd.Context(), path, nil, &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "registration %d: %s\n", ids[0], resp.Status)
				if resp.TokenID != 0 {
					fmt.Fprintf(out, "issued token %d\n", resp.TokenID)
				}
				return nil
			}

			var result registration.BulkResult
			if err := c.post(cmd.Context(), "/v1/admin/registrations/"+verb, map[string][]uint{"ids": ids}, &result); err != nil {
				return err
			}
			fmt.Fprintf(out, "requested %d, succeeded %d, skipped %d\n", result.Requested, result.Succeeded, result.Skipped)
			for _, f := range result.Failures {
				fmt.Fprintf(out, "  %d: %s\n", f.ID, f.Error)
			}
			return nil
		},
	}
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, uint(n))
	}
	return ids, nil
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage agent tokens",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tokens []tokenView `json:"tokens"`
			}
			if err := client().get(cmd.Context(), "/v1/admin/tokens", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tACTIVE\tBOUND\tHOSTNAME\tMISMATCHES\tLAST USED")
			for _, t := range resp.Tokens {
				lastUsed := "never"
				if t.LastUsed != nil {
					lastUsed = since(*t.LastUsed) + " ago"
				}
				fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%s\t%d\t%s\n",
					t.ID, t.AgentID, t.IsActive, t.BoundToDevice, t.BoundHostname, t.FingerprintMismatchCount, lastUsed)
			}
			return w.Flush()
		},
	}

	var name string
	create := &cobra.Command{
		Use:   "create AGENT_ID",
		Short: "Issue a token without self-registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ID    uint   `json:"id"`
				Token string `json:"token"`
			}
			body := map[string]string{"agent_id": args[0], "agent_name": name}
			if err := client().post(cmd.Context(), "/v1/admin/tokens", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token %d for %s: %s\n", resp.ID, args[0], resp.Token)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Display name of the agent")

	cmd.AddCommand(list, create,
		setActiveCmd("activate", "Re-enable a token and reset its mismatch counter"),
		setActiveCmd("deactivate", "Revoke a token"),
	)
	return cmd
}

func setActiveCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " TOKEN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			var resp struct {
				IsActive bool `json:"is_active"`
			}
			if err := client().post(cmd.Context(), fmt.Sprintf("/v1/admin/tokens/%d/%s", ids[0], verb), nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token %d active=%v\n", ids[0], resp.IsActive)
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Devices []broadcast.DeviceSummary `json:"devices"`
			}
			if err := client().get(cmd.Context(), "/v1/admin/devices", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOSTNAME\tAGENT\tSTATUS\tMEMORY\tSERVICES\tSOFTWARE\tLAST SEEN")
			for _, d := range resp.Devices {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.1f%%\t%d\t%d\t%s ago\n",
					d.ID, d.Hostname, d.AgentID, onlineLabel(d.IsOnline), d.MemoryUsagePercent,
					d.ServicesCount, d.SoftwareCount, since(d.LastHeartbeat))
			}
			return w.Flush()
		},
	}
}

func deviceCmd() *cobra.Command {
	var showServices, showSoftware bool
	cmd := &cobra.Command{
		Use:   "device ID",
		Short: "Show details for a specific device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			c := client()
			base := fmt.Sprintf("/v1/admin/devices/%d", ids[0])

			var d broadcast.DeviceSummary
			if err := c.get(cmd.Context(), base, &d); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device: %s\n", d.Hostname)
			fmt.Fprintf(out, "========================================\n\n")
			fmt.Fprintf(out, "Agent:        %s (%s)\n", d.AgentID, d.AgentName)
			fmt.Fprintf(out, "OS:           %s %s\n", d.OSType, d.OSVersion)
			fmt.Fprintf(out, "CPU:          %s\n", d.CPUInfo)
			fmt.Fprintf(out, "Memory:       %d / %d bytes (%.2f%%)\n", d.MemoryUsed, d.MemoryTotal, d.MemoryUsagePercent)
			fmt.Fprintf(out, "Status:       %s\n", onlineLabel(d.IsOnline))
			fmt.Fprintf(out, "Last Seen:    %s (%s ago)\n", d.LastHeartbeat.Format(time.RFC3339), since(d.LastHeartbeat))
			fmt.Fprintf(out, "First Seen:   %s\n", d.FirstSeen.Format(time.RFC3339))
			for iface, addrs := range d.IPAddresses {
				fmt.Fprintf(out, "IP %-10s %s\n", iface+":", strings.Join(addrs, ", "))
			}

			if showServices {
				var resp struct {
					Services []store.DeviceService `json:"services"`
				}
				if err := c.get(cmd.Context(), base+"/services", &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nServices (%d):\n", len(resp.Services))
				for _, s := range resp.Services {
					fmt.Fprintf(out, "  %s\n", s.ServiceName)
				}
			}
			if showSoftware {
				var resp struct {
					Software []store.DeviceSoftware `json:"software"`
				}
				if err := c.get(cmd.Context(), base+"/software", &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nSoftware (%d):\n", len(resp.Software))
				for _, s := range resp.Software {
					fmt.Fprintf(out, "  %s\n", s.SoftwareName)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showServices, "services", false, "Include active services")
	cmd.Flags().BoolVar(&showSoftware, "software", false, "Include installed software")
	return cmd
}

func watchCmd() *cobra.Command {
	var deviceID uint
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from the dashboard or one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/ws/dashboard"
			if deviceID != 0 {
				path = fmt.Sprintf("/v1/ws/devices/%d", deviceID)
			}
			out := cmd.OutOrStdout()
			return client().watch(cmd.Context(), path, func(ev streamEvent) {
				fmt.Fprintf(out, "%s %s %s\n", ev.SentAt.Format(time.RFC3339), ev.Type, string(ev.Payload))
			})
		},
	}
	cmd.Flags().UintVar(&deviceID, "device", 0, "Watch a single device instead of the dashboard")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tether version %s\n", Version)
		},
	}
}

type statsResponse struct {
	Devices     store.Stats `json:"devices"`
	Subscribers struct {
		Dashboard int `json:"dashboard"`
	} `json:"subscribers"`
}

type tokenView struct {
	ID                       uint       `json:"id"`
	AgentID                  string     `json:"agent_id"`
	AgentName                string     `json:"agent_name"`
	IsActive                 bool       `json:"is_active"`
	LastUsed                 *time.Time `json:"last_used"`
	BoundToDevice            bool       `json:"bound_to_device"`
	BoundHostname            string     `json:"bound_hostname"`
	FingerprintMismatchCount int        `json:"fingerprint_mismatch_count"`
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
