package cmd

import (
	"log"

	"github.com/Plarpoon/Red/red"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Red bot",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := red.New(cfg)
			if err != nil {
				log.Fatalf("error creating red: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running red: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
