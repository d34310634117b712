package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs the client command groups for the corvee CLI.
func NewRoot(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		newLoginCommand(baseURL),
		NewUserCommand(baseURL),
		NewAdminCommand(baseURL),
	}
}
