package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/policydesk/internal/app/drafting"
	"github.com/PabloGalante/policydesk/internal/domain"
)

var draftsSession string

var draftsCmd = &cobra.Command{
	Use:     "drafts",
	Aliases: []string{"draft", "d"},
	Short:   "List and edit the drafts of a session",
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts; the active one is marked with *",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.store.Session(a.resolveSession(draftsSession))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\tID\tTITLE\tLENGTH")
		for _, d := range s.Drafts {
			mark := ""
			if d.ID == s.ActiveDraftID {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", mark, d.ID, d.Title, len([]rune(d.Content)))
		}
		return w.Flush()
	},
}

var draftsShowCmd = &cobra.Command{
	Use:   "show [draft-id]",
	Short: "Print a draft (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.store.Session(a.resolveSession(draftsSession))
		if err != nil {
			return err
		}
		d := s.ActiveDraft()
		if len(args) == 1 {
			if d = s.Draft(domain.DraftID(args[0])); d == nil {
				return domain.ErrDraftNotFound
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), d.Content)
		return nil
	},
}

var draftsNewCmd = &cobra.Command{
	Use:   "new",
	Short: `Create a "Draft N" and make it active`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.store.CreateDraft(cmd.Context(), a.resolveSession(draftsSession))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %q\n", d.ID, d.Title)
		return nil
	},
}

var draftsAppendCmd = &cobra.Command{
	Use:   "append <text...>",
	Short: "Append text to the active draft",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.store.AppendToActiveDraftContent(cmd.Context(), a.resolveSession(draftsSession), strings.Join(args, " "))
	},
}

var draftsCopyCmd = &cobra.Command{
	Use:   "copy-messages",
	Short: "Append the session transcript to the active draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.store.CopyAllMessagesToActiveDraft(cmd.Context(), a.resolveSession(draftsSession))
	},
}

var draftsRewriteCmd = &cobra.Command{
	Use:   "rewrite <instruction...>",
	Short: "Rewrite the active draft with the configured editor",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.store.Session(a.resolveSession(draftsSession))
		if err != nil {
			return err
		}
		ed, err := drafting.NewSession(a.store, a.editor, s.ID, s.ActiveDraftID)
		if err != nil {
			return err
		}
		defer ed.Close()

		out, err := ed.Rewrite(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	draftsCmd.PersistentFlags().StringVar(&draftsSession, "session", "", "Session id (default: the selected session)")
	draftsCmd.AddCommand(draftsListCmd, draftsShowCmd, draftsNewCmd, draftsAppendCmd, draftsCopyCmd, draftsRewriteCmd)
	rootCmd.AddCommand(draftsCmd)
}
