package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban-sync/internal/client"
	"kanban-sync/internal/domain"
)

type clientFlags struct {
	url     string
	token   string
	sse     bool
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	url := os.Getenv("KANBAN_URL")
	if url == "" {
		url = "http://localhost:3002"
	}
	cmd.PersistentFlags().StringVar(&f.url, "url", url, "sync server base URL")
	cmd.PersistentFlags().StringVar(&f.token, "token", os.Getenv("KANBAN_TOKEN"), "bearer token")
	cmd.PersistentFlags().BoolVar(&f.sse, "sse", false, "use the event stream instead of the websocket")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 10*time.Second, "how long to wait for the server")
}

func (f *clientFlags) options() client.Options {
	return client.Options{
		URL:              f.url,
		Token:            f.token,
		Logger:           log.StandardLogger(),
		DisableWebSocket: f.sse,
	}
}

func watchCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the board and print it on every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options()
			out := cmd.OutOrStdout()
			opts.OnChange = func(s client.Snapshot) {
				if !s.Loading {
					printBoard(out, s)
				}
			}
			return client.NewAgent(opts).Run(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func printBoard(w io.Writer, s client.Snapshot) {
	state := "disconnected"
	if s.Connected {
		state = "connected"
	}
	fmt.Fprintf(w, "\n== board (%s, %d tasks) ==\n", state, len(s.Tasks))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, status := range s.Statuses {
		fmt.Fprintf(tw, "[%s]\n", status)
		for _, t := range s.Tasks {
			if t.Status == status {
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", t.ID, t.Title, t.Priority, t.Category)
			}
		}
	}
	tw.Flush()
}

func taskCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, update, move or delete a task",
	}
	flags.register(cmd)

	var create domain.CreateRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskOp(cmd, flags, func(ctx context.Context, a *client.Agent) error {
				return a.Create(ctx, create)
			})
		},
	}
	createCmd.Flags().StringVar(&create.Title, "title", "", "task title")
	createCmd.Flags().StringVar(&create.Description, "description", "", "task description")
	createCmd.Flags().StringVar(&create.Status, "status", "", "initial column")
	createCmd.Flags().StringVar(&create.Priority, "priority", "", "low, medium or high")
	createCmd.Flags().StringVar(&create.Category, "category", "", "bug, feature or enhancement")

	var title, description, priority, category string
	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.UpdateRequest{ID: args[0]}
			set := func(name string, v *string) *string {
				if cmd.Flags().Changed(name) {
					return v
				}
				return nil
			}
			req.Title = set("title", &title)
			req.Description = set("description", &description)
			req.Priority = set("priority", &priority)
			req.Category = set("category", &category)
			return runTaskOp(cmd, flags, func(ctx context.Context, a *client.Agent) error {
				return a.Update(ctx, req)
			})
		},
	}
	updateCmd.Flags().StringVar(&title, "title", "", "task title")
	updateCmd.Flags().StringVar(&description, "description", "", "task description")
	updateCmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	updateCmd.Flags().StringVar(&category, "category", "", "bug, feature or enhancement")

	moveCmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskOp(cmd, flags, func(ctx context.Context, a *client.Agent) error {
				return a.Move(ctx, args[0], args[1])
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskOp(cmd, flags, func(ctx context.Context, a *client.Agent) error {
				return a.Delete(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(createCmd, updateCmd, moveCmd, deleteCmd)
	return cmd
}

// runTaskOp connects, sends one operation and waits for the board to change
// or for the server to report an error.
func runTaskOp(cmd *cobra.Command, flags clientFlags, op func(context.Context, *client.Agent) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	changes := make(chan client.Snapshot, 16)
	failures := make(chan domain.ErrorData, 1)
	opts := flags.options()
	opts.OnChange = func(s client.Snapshot) {
		select {
		case changes <- s:
		default:
		}
	}
	opts.OnError = func(d domain.ErrorData) {
		select {
		case failures <- d:
		default:
		}
	}
	agent := client.NewAgent(opts)

	runCtx, stopAgent := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(runCtx)
	}()
	defer func() {
		stopAgent()
		<-done
	}()

	var before client.Snapshot
	for ready := false; !ready; {
		select {
		case s := <-changes:
			ready = s.Connected && !s.Loading && len(s.Statuses) > 0
			before = s
		case <-ctx.Done():
			return errors.New("timed out connecting to " + flags.url)
		}
	}
	for len(changes) > 0 {
		<-changes
	}

	if err := op(ctx, agent); err != nil {
		return err
	}

	select {
	case s := <-changes:
		printChanged(cmd.OutOrStdout(), before, s)
		return nil
	case d := <-failures:
		msg := d.Message
		if d.Detail != "" {
			msg += ": " + d.Detail
		}
		return errors.New(msg)
	case <-ctx.Done():
		return errors.New("timed out waiting for the server")
	}
}

func printChanged(w io.Writer, before, after client.Snapshot) {
	prev := make(map[string]domain.Task, len(before.Tasks))
	for _, t := range before.Tasks {
		prev[t.ID] = t
	}
	seen := make(map[string]bool, len(after.Tasks))
	for _, t := range after.Tasks {
		seen[t.ID] = true
		old, ok := prev[t.ID]
		switch {
		case !ok:
			fmt.Fprintf(w, "created %s %q in %s\n", t.ID, t.Title, t.Status)
		case !old.UpdatedAt.Equal(t.UpdatedAt) || old.Status != t.Status:
			fmt.Fprintf(w, "updated %s %q in %s\n", t.ID, t.Title, t.Status)
		}
	}
	var removed []string
	for id := range prev {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		fmt.Fprintf(w, "deleted %s\n", strings.Join(removed, ", "))
	}
}
