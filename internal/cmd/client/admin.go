package client

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewAdminCommand constructs the `admin` command group.
func NewAdminCommand(baseURL BaseURLFunc) *cobra.Command {
	adminCmd := &cobra.Command{Use: "admin", Short: "Administration operations"}
	adminCmd.AddCommand(
		newAdminStatsCommand(baseURL),
		newAdminScanCommand(baseURL),
		newAdminLockedCommand(baseURL),
		newAdminUnlockCommand(baseURL),
		newAdminSubmissionsCommand(baseURL),
	)
	return adminCmd
}

func newAdminStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-project unit counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(baseURL, http.MethodGet, "/v1/admin/stats", sess, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	return cmd
}

func newAdminScanCommand(baseURL BaseURLFunc) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Rescan the work directory for units",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(baseURL, http.MethodPost, "/v1/admin/scan", sess, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	return cmd
}

func newAdminLockedCommand(baseURL BaseURLFunc) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "locked",
		Short: "List currently locked units",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(baseURL, http.MethodGet, "/v1/admin/locked", sess, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	return cmd
}

func newAdminUnlockCommand(baseURL BaseURLFunc) *cobra.Command {
	var session, project, machine string
	var page int
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Force-release a locked unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			var out struct {
				ReleasedOwner string `json:"released_owner"`
			}
			err = doJSON(baseURL, http.MethodPost, "/v1/admin/unlock", sess,
				map[string]any{"project": project, "machine": machine, "page": page}, &out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s/%s/%d from %s\n", project, machine, page, out.ReleasedOwner)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&machine, "machine", "", "document name")
	cmd.Flags().IntVar(&page, "page", 0, "page number")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("page")
	return cmd
}

func newAdminSubmissionsCommand(baseURL BaseURLFunc) *cobra.Command {
	var session, filter string
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List submissions, optionally filtered by a CEL expression",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			path := "/v1/admin/submissions"
			if filter != "" {
				path += "?filter=" + urlQueryEscape(filter)
			}
			var out map[string]any
			if err := doJSON(baseURL, http.MethodGet, path, sess, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	cmd.Flags().StringVar(&filter, "filter", "", `filter expression, e.g. 'username == "alice"'`)
	return cmd
}
