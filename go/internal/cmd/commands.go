package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mcdev12/expsync/go/internal/progression"
	"github.com/mcdev12/expsync/go/internal/session"
)

var (
	errQuit           = errors.New("quit")
	errUnknownCommand = errors.New("unknown command")
	errMissingArg     = errors.New("missing argument")
)

// controller is the slice of the synchronizer the command loop drives
type controller interface {
	StartRun(ctx context.Context, experimentID string, seq []progression.Action) error
	Trigger(ctx context.Context, trigger string) (progression.Action, bool, error)
	CompleteAction(ctx context.Context, actionID string) (bool, error)
	CancelStep(ctx context.Context, stepID string) (int, error)
	EndRun(ctx context.Context) (int, error)
	Snapshot() session.Snapshot
}

type commandLoop struct {
	ctrl         controller
	experimentID string
	sequence     []progression.Action
	out          io.Writer
}

// run reads one command per line until EOF, quit or ctx is done
func (l *commandLoop) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		err := l.execute(ctx, scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(l.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (l *commandLoop) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "start":
		experimentID := l.experimentID
		if arg != "" {
			experimentID = arg
		}
		if err := l.ctrl.StartRun(ctx, experimentID, l.sequence); err != nil {
			return err
		}
		fmt.Fprintf(l.out, "run %s started with %d actions\n", experimentID, len(l.sequence))
	case "trigger":
		if arg == "" {
			return fmt.Errorf("%w: trigger <name>", errMissingArg)
		}
		action, applied, err := l.ctrl.Trigger(ctx, arg)
		if err != nil {
			return err
		}
		if applied {
			fmt.Fprintf(l.out, "completed %s\n", action.ID)
		} else {
			fmt.Fprintln(l.out, "trigger ignored")
		}
	case "complete":
		if arg == "" {
			return fmt.Errorf("%w: complete <actionId>", errMissingArg)
		}
		applied, err := l.ctrl.CompleteAction(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(l.out, "complete %s applied=%t\n", arg, applied)
	case "cancel":
		if arg == "" {
			return fmt.Errorf("%w: cancel <stepId>", errMissingArg)
		}
		n, err := l.ctrl.CancelStep(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(l.out, "cancelled %d actions in %s\n", n, arg)
	case "end":
		total, err := l.ctrl.EndRun(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(l.out, "run ended, %d logs finalized\n", total)
	case "status":
		l.printStatus()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, fields[0])
	}
	return nil
}

func (l *commandLoop) printStatus() {
	snap := l.ctrl.Snapshot()
	fmt.Fprintf(l.out, "experiment=%s run=%t connection=%s role=%s session=%s\n",
		snap.ExperimentID, snap.RunActive, snap.Connection, snap.Identity.Role, snap.Identity.SessionID)
	fmt.Fprintf(l.out, "progress=%s %d/%d clock_synchronized=%t\n",
		snap.Progress.Status, snap.Progress.Cursor, snap.Progress.Total, snap.ClockSynchronized)
	fmt.Fprintf(l.out, "logs pending=%d health=%s running=%t\n",
		snap.Logs.Pending, snap.Logs.Health, snap.Logs.Running)
}
