package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var resumeAuthor string

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id> <input>",
	Short: "Answer an agent's question or give a session new instructions",
	Long: `Resume a stored session. The agent receives the original task, every
comment posted so far, and the new input.`,
	Example: `  astrid resume 01J9Z6Q8W5N3M2K1H0G9F8E7D6 "Use the v2 endpoint"`,
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resumeRun(cmd, args[0], strings.Join(args[1:], " "))
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeAuthor, "author", "user", "Name recorded on the reply comment")
	rootCmd.AddCommand(resumeCmd)
}

func resumeRun(cmd *cobra.Command, id, input string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	sess, res, err := a.sessions.Resume(cmd.Context(), id, input, resumeAuthor)
	if err != nil {
		return err
	}
	if err := ui.Result(sess.ID, res); err != nil {
		return err
	}
	return exitError(res)
}
