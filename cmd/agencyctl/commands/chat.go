package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/runtime"
	"github.com/hupe1980/agencyhost/telemetry"
)

const shutdownTimeout = 10 * time.Second

var (
	chatPersona      string
	chatConversation string
	chatStats        bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [flags] <text>",
	Short: "Stream one conversation turn",
	Long: `Send text to a persona and stream the answer to stdout.

Examples:
  agencyctl chat "Summarize the CAP theorem"
  agencyctl chat --persona researcher "Open questions about fusion power"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := openHost(ctx)
		if err != nil {
			return err
		}
		defer closeHost(h)

		conversationID := chatConversation
		if conversationID == "" {
			conversationID = uuid.NewString()
		}
		out := cmd.OutOrStdout()

		result := make(chan error, 1)
		cancel := h.OpenStream(core.Input{
			ConversationID:    conversationID,
			SessionID:         uuid.NewString(),
			TextInput:         strings.Join(args, " "),
			SelectedPersonaID: chatPersona,
		}, runtime.Handlers{
			OnChunk: func(c core.Chunk) { printChatChunk(out, c) },
			OnDone:  func() { result <- nil },
			OnError: func(err error) { result <- err },
		})

		select {
		case err = <-result:
		case <-ctx.Done():
			cancel()
			err = ctx.Err()
		}
		fmt.Fprintln(out)

		if chatStats || IsVerbose() {
			printStats(cmd.ErrOrStderr(), h.Telemetry().Snapshot())
		}
		return err
	},
}

func printChatChunk(w io.Writer, c core.Chunk) {
	switch c.Type {
	case core.ChunkTextDelta:
		if c.Text != nil {
			fmt.Fprint(w, c.Text.Delta)
		}
	case core.ChunkError:
		if c.Error != nil {
			fmt.Fprintf(w, "\n[error] %s: %s", c.Error.Code, c.Error.Message)
		}
	case core.ChunkSystemProgress:
		if IsVerbose() && c.Progress != nil {
			fmt.Fprintf(w, "\n[progress] %s\n", c.Progress.Message)
		}
	}
}

func printStats(w io.Writer, s telemetry.Snapshot) {
	fmt.Fprintf(w, "streams: %d started, %d completed, %d failed\n", s.Streams.Started, s.Streams.Completed, s.Streams.Failed)
	fmt.Fprintf(w, "tokens:  %d prompt, %d completion\n", s.Usage.PromptTokens, s.Usage.CompletionTokens)
	for _, id := range s.Personas() {
		ps := s.ByPersona[id]
		fmt.Fprintf(w, "  %-16s %d streams, %d tokens\n", id, ps.Streams, ps.Usage.TotalTokens)
	}
}

// streamErrorCode extracts the code of a stream failure for display.
func streamErrorCode(err error) string {
	var se *core.StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return core.CodeStream
}

func init() {
	chatCmd.Flags().StringVarP(&chatPersona, "persona", "p", "", "persona id (default from config)")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "conversation id (default random)")
	chatCmd.Flags().BoolVar(&chatStats, "stats", false, "print usage statistics to stderr")
	rootCmd.AddCommand(chatCmd)
}
