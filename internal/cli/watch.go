package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/internal/client"
	"github.com/taskrelay/taskrelay/internal/dashboard"
)

func newWatchCmd() *cobra.Command {
	var (
		managerURL string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of runners and tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.New(managerURL, token)
			p := tea.NewProgram(dashboard.NewModel(api), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch display: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&managerURL, "manager", "http://localhost:8000", "manager base URL")
	cmd.Flags().StringVar(&token, "token", "", "API token")
	return cmd
}
