package client

import (
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword takes the password from the flag or prompts on the
// terminal without echo.
func readPassword(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func newLoginCommand(baseURL BaseURLFunc) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, "Password: ")
			if err != nil {
				return err
			}
			var sess struct {
				Token    string `json:"token"`
				Username string `json:"username"`
				Admin    bool   `json:"admin"`
			}
			err = doJSON(baseURL, http.MethodPost, "/v1/auth/login", "",
				map[string]string{"username": username, "password": pw}, &sess)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "logged in as %s (admin=%v)\n", sess.Username, sess.Admin)
			fmt.Fprintln(cmd.OutOrStdout(), sess.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// NewUserCommand constructs the `user` command group.
func NewUserCommand(baseURL BaseURLFunc) *cobra.Command {
	userCmd := &cobra.Command{Use: "user", Short: "Account operations"}
	userCmd.AddCommand(
		newUserAddCommand(baseURL),
		newUserListCommand(baseURL),
		newUserRemoveCommand(baseURL),
	)
	return userCmd
}

func newUserAddCommand(baseURL BaseURLFunc) *cobra.Command {
	var session, username, password string
	var admin bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			pw, err := readPassword(password, "New password: ")
			if err != nil {
				return err
			}
			err = doJSON(baseURL, http.MethodPost, "/v1/admin/users/create", sess,
				map[string]any{"username": username, "password": pw, "admin": admin}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin rights")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newUserListCommand(baseURL BaseURLFunc) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := doJSON(baseURL, http.MethodGet, "/v1/admin/users", sess, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	return cmd
}

func newUserRemoveCommand(baseURL BaseURLFunc) *cobra.Command {
	var session, username string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := sessionToken(session)
			if err != nil {
				return err
			}
			err = doJSON(baseURL, http.MethodPost, "/v1/admin/users/delete", sess,
				map[string]string{"username": username}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session token (or CORVEE_SESSION)")
	cmd.Flags().StringVar(&username, "username", "", "account name")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}
