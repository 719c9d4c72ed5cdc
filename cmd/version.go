package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is set via -ldflags at build time.
var version = "(devel)"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version and backend URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := version
		if info, ok := debug.ReadBuildInfo(); ok && v == "(devel)" && info.Main.Version != "" {
			v = info.Main.Version
		}
		fmt.Println("lessonsync", v)

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Println("backend   ", cfg.BaseURL)
		return nil
	},
}
