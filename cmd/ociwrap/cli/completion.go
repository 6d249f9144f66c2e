package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/xregistry/ociwrap/cmd/ociwrap/cli/config"
)

// completeBackendNames suggests the backend names the current configuration
// resolves to. It reads only the config, never the network, so completion
// stays instant.
func completeBackendNames(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) >= 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	srv, err := newServer(cfg)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, name := range srv.BackendNames() {
		if strings.HasPrefix(name, toComplete) {
			completions = append(completions, name)
		}
	}

	// NoFileComp prevents falling back to local file completion
	return completions, cobra.ShellCompDirectiveNoFileComp
}
