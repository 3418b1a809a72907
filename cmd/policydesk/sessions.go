package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/policydesk/internal/domain"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "List and manage chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions; the selected one is marked with *",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		selected := a.store.SelectedID()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\tID\tTITLE\tMESSAGES\tDRAFTS\tUPDATED")
		for _, s := range a.store.Sessions() {
			mark := ""
			if s.ID == selected {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				mark, s.ID, s.Title, len(s.Messages), len(s.Drafts), s.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a session and select it",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.store.CreateSession(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %q\n", s.ID, s.Title)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session with its messages and drafts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteSession(cmd.Context(), domain.SessionID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s, selected %s\n", args[0], a.store.SelectedID())
		return nil
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.store.RenameSession(cmd.Context(), domain.SessionID(args[0]), strings.Join(args[1:], " "))
	},
}

var sessionsSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Select the session used when --session is omitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.store.SelectSession(cmd.Context(), domain.SessionID(args[0]))
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a session transcript",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var id string
		if len(args) == 1 {
			id = args[0]
		}
		s, err := a.store.Session(a.resolveSession(id))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n\n", s.Title)
		for _, m := range s.Messages {
			fmt.Fprintf(out, "[%s] %s\n%s\n\n", m.Timestamp.Local().Format(time.DateTime), m.Role, m.Content)
		}
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsNewCmd, sessionsDeleteCmd, sessionsRenameCmd, sessionsSelectCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
