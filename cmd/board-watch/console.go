package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"fleetboard/board"
	"fleetboard/domain"
	"fleetboard/drag"
	"fleetboard/view"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  move <id> <status> [slot]  move a work order, slot counts from 0 within the target column
  reload                     refetch the board snapshot
  state                      show the realtime channel state
  quit
`

// render prints every column in display order. Work orders with an
// unconfirmed move are marked with '*'.
func render(w io.Writer, s *board.Store) error {
	b := s.Snapshot()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, st := range domain.Statuses {
		ids := b.Columns[st]
		fmt.Fprintf(tw, "%s (%d)\n", st, len(ids))
		for _, id := range ids {
			wo := b.WorkOrdersByID[id]
			mark := ""
			if _, ok := s.Pending(id); ok {
				mark = "*"
			}
			fmt.Fprintf(tw, "  %s%s\t%s\t%s\t%g\n", id, mark, wo.Title, wo.Assignee, wo.Position)
		}
	}
	return tw.Flush()
}

// console executes one command line against a session.
type console struct {
	sess *view.Session
	out  io.Writer
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "move":
		return c.move(fields[1:])
	case "reload":
		return c.sess.Load(ctx)
	case "state":
		_, err := fmt.Fprintln(c.out, c.sess.ChannelState())
		return err
	case "help":
		_, err := io.WriteString(c.out, helpText)
		return err
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", fields[0])
}

func (c *console) move(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: move <id> <status> [slot]")
	}
	status, err := domain.ParseStatus(args[1])
	if err != nil {
		return err
	}
	target := &drag.Target{Status: status}
	if len(args) == 3 {
		slot, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid slot %q", args[2])
		}
		target = drag.At(status, slot)
	}

	ctrl := c.sess.Controller()
	if !ctrl.Start(args[0]) {
		return fmt.Errorf("cannot drag %s", args[0])
	}
	mv, ok := ctrl.Drop(target)
	if !ok {
		_, err := fmt.Fprintln(c.out, "nothing to move")
		return err
	}
	_, err = fmt.Fprintf(c.out, "moved %s to %s at %g (request %s)\n", mv.WorkOrderID, mv.ToStatus, mv.Position, mv.ClientRequestID)
	return err
}
