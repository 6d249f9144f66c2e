package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xregistry/ociwrap/cmd/ociwrap/cli/config"
)

// checkTimeout bounds one backend connectivity probe.
const checkTimeout = 15 * time.Second

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show the configured upstream registries",
	Long: `Backends lists the upstream registries the server would expose as groups.

The list reflects the same resolution the serve command applies: built-in
defaults, replaced by the config file, replaced by OCIWRAP_BACKENDS.

Examples:
  ociwrap backends
  ociwrap backends check
  ociwrap backends check ghcr`,
	Args: cobra.NoArgs,
	RunE: runBackendsList,
}

var backendsCheckCmd = &cobra.Command{
	Use:   "check [name]",
	Short: "Probe backend connectivity",
	Long: `Check probes the distribution endpoint of one backend, or of every
configured backend when no name is given.`,
	Args:              cobra.MaximumNArgs(1),
	RunE:              runBackendsCheck,
	ValidArgsFunction: completeBackendNames,
}

func init() {
	backendsCmd.AddCommand(backendsCheckCmd)
	rootCmd.AddCommand(backendsCmd)
}

func runBackendsList(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tAUTH\tCATALOG")
	for _, b := range srv.Backends() {
		auth := "anonymous"
		if b.HasCredentials() {
			auth = "basic"
		}
		catalog := "enabled"
		if !b.CatalogEnabled() {
			catalog = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Name, b.RegistryURL, auth, catalog)
	}
	return tw.Flush()
}

func runBackendsCheck(_ *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	names := srv.BackendNames()
	if len(args) == 1 {
		names = args[:1]
	}

	ctx, cancel := signalContext()
	defer cancel()

	var failed int
	for _, name := range names {
		probeCtx, probeCancel := context.WithTimeout(ctx, checkTimeout)
		err := srv.CheckBackend(probeCtx, name)
		probeCancel()
		if err != nil {
			failed++
			fmt.Printf("%s: FAIL (%v)\n", name, err)
			continue
		}
		fmt.Printf("%s: OK\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d backends unreachable", failed, len(names))
	}
	return nil
}
