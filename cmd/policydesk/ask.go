package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/policydesk/internal/app/conversation"
	"github.com/PabloGalante/policydesk/internal/domain"
)

var (
	askSession  string
	askNew      bool
	askMode     string
	askInternet bool
	askFiles    []string
)

var askCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Ask the policy assistant and record the exchange",
	Long: `Sends a question to the query backend and appends the question and the
answer (or a system message describing the failure) to the session.

Without --session the selected session is used; --new starts a session titled
after the question.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "Session id (default: the selected session)")
	askCmd.Flags().BoolVar(&askNew, "new", false, "Start a new session for this question")
	askCmd.Flags().StringVar(&askMode, "mode", string(domain.ModeQA), "Query mode: qa, deep_think or brainstorm")
	askCmd.Flags().BoolVar(&askInternet, "internet", false, "Allow the backend to search the internet")
	askCmd.Flags().StringSliceVar(&askFiles, "file", nil, "Attach a file (repeatable)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	mode := domain.QueryMode(askMode)
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", askMode)
	}

	errOut := cmd.ErrOrStderr()
	a, err := newApp(cmd.Context(), cfg, conversation.WithStepListener(func(step string) {
		fmt.Fprintf(errOut, "… %s\n", step)
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	files, closeFiles, err := openFiles(askFiles)
	if err != nil {
		return err
	}
	defer closeFiles()

	in := conversation.SendInput{
		Text:            strings.Join(args, " "),
		Mode:            mode,
		InternetEnabled: askInternet,
		Files:           files,
	}
	if !askNew {
		in.SessionID = a.resolveSession(askSession)
	}

	out, err := a.conv.Send(cmd.Context(), in)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.Reply != nil {
		fmt.Fprintln(w, out.Reply.Content)
	}
	if out.Response != nil {
		for _, c := range out.Response.Citations {
			fmt.Fprintf(w, "  [%s p.%d] %s\n", c.DocumentID, c.Page, c.Title)
		}
	}
	if out.Failed {
		return fmt.Errorf("question recorded in session %s without an answer", out.SessionID)
	}
	return nil
}

func openFiles(paths []string) ([]domain.FileUpload, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	uploads := make([]domain.FileUpload, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		opened = append(opened, f)

		info, err := f.Stat()
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		uploads = append(uploads, domain.FileUpload{
			Attachment: domain.Attachment{
				Name: filepath.Base(p),
				Size: info.Size(),
				Type: mime.TypeByExtension(filepath.Ext(p)),
			},
			Content: f,
		})
	}
	return uploads, closeAll, nil
}
