package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bluelines/internal/trigger"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Events    string        // event stream path, "-" for stdin
	Interval  time.Duration // overrides sync.interval when set
	ExitOnEOF bool
}

// EventResult is one handled event as written to the output stream.
type EventResult struct {
	Event    trigger.Event `json:"event"`
	Outcomes []OutcomeView `json:"outcomes"`
	Error    string        `json:"error,omitempty"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Handle trigger events and periodic syncs until stopped",
		Long: `Start the trigger dispatcher. Events are read as JSON lines from the
event stream (stdin by default) and handled with bounded parallelism; a
periodic sync of every record is scheduled at the configured interval.
Each handled event is written to stdout as one JSON line.

Event lines look like:
  {"kind":"approval_changed","pair":{"material_id":"M-1","supplier_code":"S-1"}}
  {"kind":"periodic_sync_due","variant":"homologated"}

Example:
  bluelines serve --config bluelines.yaml < events.jsonl
  bluelines serve --events - --exit-on-eof`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App, f *OutputFormatter) error {
				if err := app.RequireLogic(f); err != nil {
					return err
				}
				return serve(ctx, opts, app, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Events, "events", "-", "event stream (JSON lines); - reads stdin")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "periodic sync interval (default from config)")
	cmd.Flags().BoolVar(&opts.ExitOnEOF, "exit-on-eof", false, "stop once the event stream ends and queued events are handled")

	return cmd
}

func serve(parent context.Context, opts *ServeOptions, app *App, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := cmd.InOrStdin()
	if opts.Events != "-" {
		file, err := os.Open(opts.Events)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open event stream", err)
		}
		defer file.Close()
		in = file
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	var mu sync.Mutex
	dispatcher := trigger.NewDispatcher(app.Handler, func(ev trigger.Event, outcomes []trigger.Outcome, err error) {
		res := EventResult{Event: ev, Outcomes: make([]OutcomeView, 0, len(outcomes))}
		for _, o := range outcomes {
			o.Record = nil
			res.Outcomes = append(res.Outcomes, OutcomeView{o})
		}
		if err != nil {
			res.Error = err.Error()
		}
		mu.Lock()
		defer mu.Unlock()
		if encErr := out.Encode(res); encErr != nil {
			app.Logger.Error().Err(encErr).Msg("failed to write event result")
		}
	})

	interval := opts.Interval
	if interval <= 0 {
		interval = app.Config.Sync.Interval
	}
	go dispatcher.Schedule(ctx, interval)

	go func() {
		if err := readEvents(in, dispatcher, app); err != nil {
			app.Logger.Error().Err(err).Msg("event stream failed")
		}
		if opts.ExitOnEOF {
			dispatcher.Close()
		}
	}()

	app.Logger.Info().
		Dur("interval", interval).
		Str("events", opts.Events).
		Msg("dispatcher starting")
	err := dispatcher.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}
	app.Logger.Info().Msg("dispatcher stopped")
	return nil
}

// readEvents submits one event per non-empty line. Malformed lines are
// logged and skipped.
func readEvents(r io.Reader, d *trigger.Dispatcher, app *App) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var ev trigger.Event
		if err := json.Unmarshal(text, &ev); err != nil {
			app.Logger.Warn().Err(err).Int("line", line).Msg("skipping malformed event")
			continue
		}
		if err := ev.Validate(); err != nil {
			app.Logger.Warn().Err(err).Int("line", line).Msg("skipping invalid event")
			continue
		}
		if !d.Submit(ev) {
			return fmt.Errorf("dispatcher closed at line %d", line)
		}
	}
	return scanner.Err()
}
