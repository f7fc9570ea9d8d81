// Package main implements the reportctl CLI for manual operations against
// the reportd HTTP server.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpclient "github.com/fyrsmithlabs/reportd/internal/http"
	"github.com/fyrsmithlabs/reportd/internal/report"
	"github.com/fyrsmithlabs/reportd/internal/store"
)

var (
	// serverURL is the base URL for the reportd HTTP server
	serverURL string
	// version information
	version = "dev"

	fieldFlags  []string
	baseVersion int64
	userID      string
	username    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reportctl",
	Short: "CLI for reportd HTTP server operations",
	Long: `reportctl is a command-line interface for interacting with the reportd
HTTP server. It provides commands for creating, inspecting, and updating
weekly reports.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "reportd server URL")
	rootCmd.PersistentFlags().StringVar(&userID, "user-id", "reportctl", "user id recorded on writes")
	rootCmd.PersistentFlags().StringVar(&username, "username", "reportctl", "username recorded on writes")

	createCmd.Flags().StringArrayVar(&fieldFlags, "field", nil, "field assignment, e.g. --field title='Week 36'")
	setCmd.Flags().StringArrayVar(&fieldFlags, "field", nil, "field assignment, e.g. --field issues='none'")
	setCmd.Flags().Int64Var(&baseVersion, "base-version", 0, "version the edit is based on (required)")
	setCmd.MarkFlagRequired("base-version")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(setCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		reports, err := c.List(cmd.Context())
		if err != nil {
			return err
		}

		for _, r := range reports {
			fmt.Printf("%s  v%-3d  %-30s  %s\n", r.ID, r.Version, r.Fields[report.FieldTitle], r.UpdatedBy)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		r, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printReport(r)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(fieldFlags)
		if err != nil {
			return err
		}

		c := newClient()
		r, err := c.Save(cmd.Context(), &store.SaveRequest{
			Fields: fields,
			Actor:  report.Actor{UserID: userID, Username: username},
		})
		if err != nil {
			return err
		}
		printReport(r)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Update report fields with a versioned write",
	Long: `Update report fields. The write is rejected when --base-version no
longer matches the server's version; the authoritative document is printed so
the edit can be redone against it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := parseFields(fieldFlags)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return fmt.Errorf("at least one --field is required")
		}

		c := newClient()
		current, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fields := current.Fields.Clone()
		for k, v := range updates {
			fields[k] = v
		}

		r, err := c.Save(cmd.Context(), &store.SaveRequest{
			ID:          args[0],
			BaseVersion: baseVersion,
			Fields:      fields,
			Actor:       report.Actor{UserID: userID, Username: username},
		})
		if err != nil {
			if vc, ok := report.IsVersionConflict(err); ok {
				fmt.Fprintf(os.Stderr, "version conflict: document is at v%d, not v%d\n\n", vc.Current.Version, baseVersion)
				printReport(vc.Current)
				return fmt.Errorf("save rejected")
			}
			return err
		}
		printReport(r)
		return nil
	},
}

func newClient() *httpclient.Client {
	return httpclient.NewClient(serverURL, zap.NewNop())
}

// parseFields turns repeated --field k=v flags into a field map.
func parseFields(flags []string) (report.Fields, error) {
	fields := report.Fields{}
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid field assignment %q, want key=value", f)
		}
		fields[k] = v
	}
	return fields, nil
}

func printReport(r *report.Report) {
	fmt.Printf("ID:         %s\n", r.ID)
	fmt.Printf("Version:    %d\n", r.Version)
	fmt.Printf("Updated By: %s\n", r.UpdatedBy)
	fmt.Printf("Updated At: %s\n", r.UpdatedAt.Format("2006-01-02 15:04:05"))

	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %-15s %s\n", k, r.Fields[k])
	}
}
