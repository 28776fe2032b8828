package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/steveyegge/restaurant-reviews/internal/config"
	"github.com/steveyegge/restaurant-reviews/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage reviews.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default reviews.toml",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := config.FileName + ".toml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefault(path, force); err != nil {
			exitErr("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Println(ui.RenderMuted("# from " + used))
		}
		if err := toml.NewEncoder(os.Stdout).Encode(v.AllSettings()); err != nil {
			exitErr("%v", err)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
