package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/probe"
)

var platformsJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Select an OpenCL platform and device",
	Long: `Enumerates platforms and devices and prints the pair chosen by the
selection policy. Exits with status 1 when none is available.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List every platform and device",
	Args:  cobra.NoArgs,
	RunE:  runPlatforms,
}

func init() {
	platformsCmd.Flags().BoolVar(&platformsJSON, "json", false, "Print the inventory as JSON")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(platformsCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	drv, err := openDriver()
	if err != nil {
		return err
	}
	policy, err := selectionPolicy()
	if err != nil {
		return err
	}

	sel, err := probe.Run(cmd.OutOrStdout(), drv, policy)
	if err != nil {
		return terminal(err)
	}
	logger.Debug("Probe complete", "platform", sel.PlatformInfo.Name, "device", sel.DeviceInfo.Name)
	return nil
}

func runPlatforms(cmd *cobra.Command, args []string) error {
	drv, err := openDriver()
	if err != nil {
		return err
	}
	inv, err := probe.Inventory(drv)
	if err != nil {
		return err
	}
	host := probe.HostInfo()

	if platformsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"driver":    drv.Name(),
			"platforms": inv,
			"host":      host,
		})
	}
	return probe.PrintInventory(cmd.OutOrStdout(), inv, host)
}
