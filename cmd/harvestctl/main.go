// harvestctl is the operator CLI of the media harvester: it creates, pauses,
// resumes and inspects jobs through the master API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ErlanBelekov/media-harvester/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.CtlConfig

	root := &cobra.Command{
		Use:           "harvestctl",
		Short:         "Manage media harvesting jobs",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.LoadCtl()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfg = c
			return nil
		},
	}

	api := func() *apiClient {
		return newAPIClient(cfg.MasterURL, []byte(cfg.JWTSecret))
	}

	root.AddCommand(
		createCmd(api),
		statusCmd(api),
		pauseCmd(api),
		resumeCmd(api),
		seedCmd(api),
		migrateCmd(func() string { return cfg.DatabaseURL }),
	)
	return root
}
