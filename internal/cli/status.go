package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remembered entities",
	Long:  `List the entities whose identities were remembered by earlier saves.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	fmt.Printf("Service root: %s\n", c.Config.ServiceURL)

	recs, err := c.Store.ListIdentities()
	if err != nil {
		exitError("failed to list identities: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("\nNo saved entities yet")
		return
	}

	cyan := color.New(color.FgCyan)
	fmt.Printf("\n%d saved entities:\n\n", len(recs))
	for _, r := range recs {
		cyan.Printf("        %-16s", r.Key)
		fmt.Printf(" %s", r.Identity)
		if r.ETag != "" {
			fmt.Printf("  etag %s", r.ETag)
		}
		fmt.Println()
	}
}
