package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/flowmon/internal/device"
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Forget the stored network credentials",
	Long: `Erase the stored network credentials and clear the provisioned flag, the
same way a factory reset does. The next boot starts in provisioning.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, err := deviceIdentity(cfg)
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg, id)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := device.EraseProvisioning(cmd.Context(), st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: provisioning erased\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eraseCmd)
}
