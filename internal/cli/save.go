package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/odc/internal/config"
	"github.com/kilupskalvis/odc/internal/core"
	"github.com/kilupskalvis/odc/internal/models"
	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/kilupskalvis/odc/internal/tracking"
	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save <script.yaml>",
	Short: "Save the changes of a change script",
	Long: `Record the changes of a YAML change script and save them to the service.
Use "-" to read the script from standard input.

Entities referred to by key that the script does not add or attach are
attached from identities remembered by earlier saves.`,
	Args: cobra.ExactArgs(1),
	Run:  runSave,
}

var (
	saveContinue    bool
	saveBatch       string
	saveReplace     bool
	saveChangedOnly bool
	saveDryRun      bool
)

func init() {
	saveCmd.Flags().BoolVar(&saveContinue, "continue-on-error", false, "Keep saving after a change fails")
	saveCmd.Flags().StringVar(&saveBatch, "batch", "", "Send one $batch request (atomic or independent)")
	saveCmd.Flags().BoolVar(&saveReplace, "replace", false, "Update entities with PUT instead of PATCH")
	saveCmd.Flags().BoolVar(&saveChangedOnly, "changed-only", false, "Send only changed properties on update")
	saveCmd.Flags().BoolVarP(&saveDryRun, "dry-run", "n", false, "List pending changes without saving")
}

func runSave(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	script, dir, err := loadScript(args[0])
	if err != nil {
		exitError("%v", err)
	}

	ws := newWorkspace(script, c.Store, dir)
	defer ws.Close()
	if err := ws.Apply(); err != nil {
		exitError("%v", err)
	}

	if saveDryRun {
		printPending(ws)
		return
	}

	opts, err := saveOptions(cmd, c.Config)
	if err != nil {
		exitError("%v", err)
	}

	saver, err := newSaver(c, ws.tracker)
	if err != nil {
		exitError("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	h, err := saver.BeginSave(ctx, opts)
	if err != nil {
		exitError("%v", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.Done():
		}
	}()
	result, saveErr := h.Wait()

	printResult(ws, result)
	if err := persist(c, ws, args[0], opts, result, saveErr); err != nil {
		exitError("%v", err)
	}
	if saveErr != nil {
		exitError("%v", saveErr)
	}
}

func loadScript(path string) (*Script, string, error) {
	var r io.Reader = os.Stdin
	dir := "."
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open change script: %w", err)
		}
		defer f.Close()
		r = f
		dir = filepath.Dir(path)
	}
	s, err := ReadScript(r)
	return s, dir, err
}

// saveOptions starts from the configured options; flags given on the
// command line override them.
func saveOptions(cmd *cobra.Command, cfg *config.Config) (core.SaveOptions, error) {
	opts, err := cfg.SaveOptions()
	if err != nil {
		return 0, err
	}

	set := func(name string, flag core.SaveOptions, on bool) {
		if !cmd.Flags().Changed(name) {
			return
		}
		if on {
			opts |= flag
		} else {
			opts &^= flag
		}
	}
	set("continue-on-error", core.ContinueOnError, saveContinue)
	set("replace", core.ReplaceOnUpdate, saveReplace)
	set("changed-only", core.PostOnlyChangedProperties, saveChangedOnly)

	if cmd.Flags().Changed("batch") {
		b, err := config.BatchOption(saveBatch)
		if err != nil {
			return 0, err
		}
		opts = opts&^(core.AtomicBatch|core.IndependentBatch) | b
	}
	return opts, opts.Validate()
}

func newSaver(c *cmdContext, t *tracking.Tracker) (*core.Saver, error) {
	rc, err := c.Config.RetryConfig()
	if err != nil {
		return nil, err
	}
	client := remote.NewClient(c.Config.Token,
		remote.WithMaxProtocolVersion(c.Config.MaxProtocolVersion),
		remote.WithLogger(c.Logger),
	)
	return core.NewSaver(t, remote.NewRetryClient(client, rc), c.Config.ServiceURL,
		core.WithLogger(c.Logger),
		core.WithBufferSize(c.Config.Save.BufferSize),
		core.WithMaxProtocolVersion(client.MaxProtocolVersion()),
	)
}

func printPending(ws *workspace) {
	pending := ws.tracker.Pending()
	if len(pending) == 0 {
		fmt.Println("Nothing to save")
		return
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Printf("%d pending changes:\n\n", len(pending))
	for _, d := range pending {
		state := d.Common().State
		c := yellow
		switch state {
		case tracking.Added:
			c = green
		case tracking.Deleted:
			c = red
		}
		c.Printf("        %-9s %s\n", state.String()+":", ws.label(d))
	}
}

func printResult(ws *workspace, result *core.SaveResult) {
	if result == nil {
		return
	}
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, cr := range result.Changes {
		if cr.Err != nil {
			red.Printf("failed  %s: %v\n", ws.label(cr.Descriptor), cr.Err)
			continue
		}
		green.Printf("saved   %s", ws.label(cr.Descriptor))
		for _, r := range cr.Responses {
			fmt.Printf(" [%s %d]", r.Method, r.StatusCode)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d saved, %d failed, %d requests\n",
		len(result.Succeeded()), len(result.Failed()), result.Requests())
}

// persist remembers the identities left by the save and journals it.
func persist(c *cmdContext, ws *workspace, script string, opts core.SaveOptions, result *core.SaveResult, saveErr error) error {
	for _, o := range ws.Outcomes() {
		if o.Deleted {
			if err := c.Store.DeleteIdentity(o.Key); err != nil {
				return fmt.Errorf("forget %q: %w", o.Key, err)
			}
			continue
		}
		if err := c.Store.PutIdentity(o.Record); err != nil {
			return fmt.Errorf("remember %q: %w", o.Key, err)
		}
	}

	rec := &models.SaveRecord{
		Script:    script,
		Timestamp: time.Now(),
		Options:   opts.String(),
	}
	if result != nil {
		rec.Requests = result.Requests()
		rec.Succeeded = len(result.Succeeded())
		rec.Failed = len(result.Failed())
	}
	var se *core.SaveError
	switch {
	case errors.As(saveErr, &se):
		for _, e := range se.Errs {
			rec.Errors = append(rec.Errors, e.Error())
		}
	case saveErr != nil:
		rec.Errors = []string{saveErr.Error()}
	}
	return c.Store.RecordSave(rec)
}
