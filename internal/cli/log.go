package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show save history",
	Long:  `Display the journal of saves made from this workspace.`,
	Run:   runLog,
}

var (
	logOneline bool
	logLimit   int
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show each save on a single line")
	logCmd.Flags().IntVarP(&logLimit, "n", "n", 0, "Limit the number of saves to show")
}

func runLog(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	saves, err := c.Store.ListSaves(logLimit)
	if err != nil {
		exitError("failed to get save log: %v", err)
	}

	if len(saves) == 0 {
		fmt.Println("No saves yet")
		return
	}

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for _, s := range saves {
		if logOneline {
			yellow.Printf("%s ", s.ShortID())
			if s.Failed > 0 {
				red.Printf("[%d failed] ", s.Failed)
			}
			fmt.Println(s.Script)
			continue
		}

		yellow.Printf("save %s\n", s.ID)
		fmt.Printf("Date:    %s\n", s.Timestamp.Format("Mon Jan 2 15:04:05 2006"))
		fmt.Printf("Options: %s\n", s.Options)
		fmt.Printf("\n    %s\n", s.Script)
		fmt.Printf("    (%d saved, %d failed, %d requests)\n", s.Succeeded, s.Failed, s.Requests)
		for _, e := range s.Errors {
			red.Printf("    %s\n", e)
		}
		fmt.Println()
	}
}
