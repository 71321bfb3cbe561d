// Package cmd is the slidesync command line.
package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "slidesync",
		Short:         "slidesync: shared slideshows for multi-user sessions",
		Long:          "slidesync runs one participant of a shared session: it replicates object state to its peers, arbitrates ownership and keeps every slideshow on the same slide.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newDeckCmd(),
	)
	return rootCmd
}
