package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holdfast-sh/holdfast/internal/mux"
)

// The sessions commands talk to the live multiplexer sockets directly; the
// external process, not the daemon, is authoritative for liveness.
func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage terminal sessions",
	}
	cmd.AddCommand(newSessionsListCmd(opts))
	cmd.AddCommand(newSessionsKillCmd(opts))
	cmd.AddCommand(newSessionsWindowsCmd(opts))
	cmd.AddCommand(newSessionsSendCmd(opts))
	return cmd
}

func newTmux(opts *rootOptions) (*mux.Tmux, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	return mux.NewTmux(cfg.SocketDir, cfg.StateDir, opts.logger(cfg)), nil
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tmux, err := newTmux(opts)
			if err != nil {
				return err
			}
			sessions, err := tmux.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tCREATED\tWINDOWS\tSOCKET")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					s.ID, s.Created.Format("2006-01-02 15:04:05"), s.Windows, s.SocketPath)
			}
			return w.Flush()
		},
	}
}

func newSessionsKillCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Destroy a session and its socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmux, err := newTmux(opts)
			if err != nil {
				return err
			}
			if err := tmux.Kill(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("killed", args[0])
			return nil
		},
	}
}

func newSessionsWindowsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "windows <session-id>",
		Short: "List a session's windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmux, err := newTmux(opts)
			if err != nil {
				return err
			}
			windows, err := tmux.ListWindows(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tACTIVE\tPANES")
			for _, win := range windows {
				active := ""
				if win.Active {
					active = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", win.Index, win.Name, active, win.Panes)
			}
			return w.Flush()
		},
	}
}

func newSessionsSendCmd(opts *rootOptions) *cobra.Command {
	var enter bool
	cmd := &cobra.Command{
		Use:   "send <session-id> <text>",
		Short: "Type text into a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmux, err := newTmux(opts)
			if err != nil {
				return err
			}
			keys := []byte(args[1])
			if enter {
				keys = append(keys, '\n')
			}
			return tmux.SendKeys(cmd.Context(), args[0], keys)
		},
	}
	cmd.Flags().BoolVar(&enter, "enter", true, "press enter after the text")
	return cmd
}
