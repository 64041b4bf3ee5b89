// Package main is the operator CLI for queue inspection, stop signals and envelope checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/config"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stores"
)

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	root := &cobra.Command{
		Use:   "intelli-agent-ctl",
		Short: "Operate the conversational pipeline backends",
		Long: `intelli-agent-ctl talks to the queue and shared stores selected by INTELLI_* environment
variables. Use the sqlite or aws backend; the memory backend only lives inside one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		stopCmd(getenv),
		enqueueCmd(getenv),
		deadLettersCmd(getenv),
		validateEnvelopeCmd(),
	)
	return root
}

func openStores(ctx context.Context, getenv func(string) string) (*stores.Bundle, error) {
	cfg, err := config.RuntimeConfigFromEnv(getenv)
	if err != nil {
		return nil, err
	}
	return stores.Open(ctx, cfg, stores.Options{SkipStages: true})
}

func stopCmd(getenv func(string) string) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Set the stop signal for one role lane of a session",
		Long: `Set the stop signal for one role lane of a session. The run in flight on that lane, or
the next one dequeued, is cancelled at its next checkpoint. The other role's lane is unaffected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedRole, err := chat.ParseRole(role)
			if err != nil {
				return err
			}
			bundle, err := openStores(cmd.Context(), getenv)
			if err != nil {
				return err
			}
			defer bundle.Close()

			sessionID := strings.TrimSpace(args[0])
			if err := bundle.Stops.SetStop(cmd.Context(), sessionID, parsedRole); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stop set for lane %s\n", color.GreenString("✓"), dispatch.LaneKey(sessionID, parsedRole))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(chat.RoleEndUser), "role lane to stop (end-user or agent)")
	return cmd
}

func enqueueCmd(getenv func(string) string) *cobra.Command {
	var (
		sessionID string
		userID    string
		role      string
		messageID string
		query     string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a chat turn as if it arrived on a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsedRole, err := chat.ParseRole(role)
			if err != nil {
				return err
			}
			if strings.TrimSpace(messageID) == "" {
				messageID = ulid.Make().String()
			}
			env := chat.Envelope{
				Query:           query,
				SessionID:       sessionID,
				UserID:          userID,
				EntryType:       chat.EntryCommon,
				Role:            parsedRole,
				CustomMessageID: messageID,
			}
			raw, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if _, err := chat.DecodeEnvelope(raw); err != nil {
				return err
			}

			bundle, err := openStores(cmd.Context(), getenv)
			if err != nil {
				return err
			}
			defer bundle.Close()

			msg := dispatch.QueuedMessage{
				MessageID:  messageID,
				SessionID:  sessionID,
				UserID:     userID,
				Role:       parsedRole,
				Payload:    raw,
				EnqueuedAt: time.Now(),
			}
			if err := bundle.Queue.Enqueue(cmd.Context(), msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s enqueued %s on lane %s\n", color.GreenString("✓"), messageID, msg.LaneKey())
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&role, "role", string(chat.RoleEndUser), "end-user or agent")
	cmd.Flags().StringVar(&messageID, "message-id", "", "custom message id (generated when empty)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "query text (required)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func deadLettersCmd(getenv func(string) string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List messages that exhausted their delivery attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bundle, err := openStores(cmd.Context(), getenv)
			if err != nil {
				return err
			}
			defer bundle.Close()

			letters, err := bundle.Queue.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(letters)
			}
			renderDeadLetters(out, letters)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func renderDeadLetters(w io.Writer, letters []dispatch.DeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(w, color.GreenString("no dead letters"))
		return
	}
	fmt.Fprintln(w, color.CyanString("%d dead letter(s)", len(letters)))
	for _, dl := range letters {
		fmt.Fprintf(w, "[%s] %s lane=%s attempts=%d reason=%s at=%s\n",
			color.RedString("✗"),
			color.YellowString(dl.Message.MessageID),
			dl.Message.LaneKey(),
			dl.Attempts,
			dl.Reason,
			dl.DeadAt.UTC().Format(time.RFC3339),
		)
	}
}

func validateEnvelopeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-envelope <file|->",
		Short: "Check a client envelope against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			env, err := chat.DecodeEnvelope(raw)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", color.RedString("✗"), err)
				return fmt.Errorf("envelope is invalid")
			}
			kind := "chat turn"
			if env.IsStop() {
				kind = "stop request"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s valid %s for user %s\n", color.GreenString("✓"), kind, env.UserID)
			return nil
		},
	}
}
