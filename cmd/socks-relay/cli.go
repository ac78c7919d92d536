package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. A fresh tree per call keeps flag state
// out of package globals.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "socks-relay",
		Short: "Single-threaded non-blocking SOCKS5 proxy",
		Long: `socks-relay is a SOCKS5 proxy (RFC 1928, CONNECT only, no authentication)
that serves every client from one epoll event loop. Destination names are
resolved with non-blocking DNS queries watched by the same loop.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file path")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	return root
}
