package cli

import (
	"fmt"
	"net/url"

	"github.com/kilupskalvis/odc/internal/config"
	"github.com/kilupskalvis/odc/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new odc workspace",
	Long: `Initialize a new odc workspace in the current directory.
This creates a .odc directory holding the configuration and the identity store.`,
	Run: runInit,
}

var initURL string

func init() {
	initCmd.Flags().StringVar(&initURL, "url", "http://localhost:8080/odata/", "OData service root URL")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindODCRoot(); err == nil {
		exitError("odc workspace already exists")
	}

	u, err := url.Parse(initURL)
	if err != nil || !u.IsAbs() {
		exitError("service URL must be absolute: %q", initURL)
	}

	cfg, err := config.Initialize(initURL)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to create store: %v", err)
	}
	defer st.Close()

	if err := st.Initialize(); err != nil {
		exitError("failed to initialize store: %v", err)
	}

	fmt.Printf("Initialized empty odc workspace in %s/\n", config.ODCDir)
	fmt.Printf("Service root: %s\n", initURL)
}
