// Command watchsyncd serves shared playback sessions and can attach a
// headless viewer to one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgPath string

	root := &cobra.Command{
		Use:           "watchsyncd",
		Short:         "Watch-together session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", "", "config file (default ./watchsync.yaml)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("log-pretty", false, "human readable console logs")
	bindFlags(v, flags, map[string]string{
		"log.level":  "log-level",
		"log.pretty": "log-pretty",
	})

	root.AddCommand(
		newServeCmd(v, &cfgPath),
		newAttachCmd(v, &cfgPath),
		newVersionCmd(),
	)
	return root
}

// bindFlags maps config keys to flags. An unset flag leaves the file, env
// and default values in charge.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(name)))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "watchsyncd v%s\n", version)
		},
	}
}
