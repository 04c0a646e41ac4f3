package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collabSync/backend/internal/auth"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/protocol"
)

func newTailCommand(opts *rootOptions) *cobra.Command {
	var showText bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Join a document and print remote edits and presence until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			c, err := openClient(ctx, opts, hooks{
				onRemote: func(m protocol.FileEdit, text string) {
					fmt.Fprintf(out, "r%d %s: %d ops\n", m.Version, m.OriginID, len(m.Operations))
					if showText {
						fmt.Fprintln(out, text)
					}
				},
				onState: func(st collab.SessionState, err error) {
					if err != nil {
						fmt.Fprintf(out, "session %s: %v\n", st, err)
						return
					}
					fmt.Fprintf(out, "session %s\n", st)
				},
			})
			if err != nil {
				return err
			}
			defer c.close()

			unsubscribe := c.tm.Subscribe(channelID, func(msg protocol.ServerMessage) error {
				switch m := msg.(type) {
				case protocol.UserJoined:
					fmt.Fprintf(out, "+ %s (%s)\n", m.User.ID, m.User.Name)
				case protocol.UserLeft:
					fmt.Fprintf(out, "- %s (%s)\n", m.User.ID, m.User.Name)
				case protocol.PresenceUpdate:
					fmt.Fprintf(out, "@ %s %d:%d\n", m.UserID, m.Cursor.Line, m.Cursor.Column)
				}
				return nil
			})
			defer unsubscribe()

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-c.tm.Events():
					if ev.Err != nil {
						fmt.Fprintf(out, "channel %s %s (attempt %d): %v\n", ev.ChannelID, ev.Status, ev.Attempt, ev.Err)
						continue
					}
					fmt.Fprintf(out, "channel %s %s\n", ev.ChannelID, ev.Status)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&showText, "text", false, "print the whole document after each remote edit")
	return cmd
}

func newAppendCommand(opts *rootOptions) *cobra.Command {
	var (
		wait time.Duration
		save bool
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append stdin lines to a document as local edits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx, opts, hooks{})
			if err != nil {
				return err
			}
			defer c.close()

			sc := bufio.NewScanner(cmd.InOrStdin())
			lines := 0
			for sc.Scan() {
				end := editor.NewLineIndex(c.ed.Value()).End()
				change := editor.Change{Range: editor.Range{Start: end, End: end}, Text: sc.Text() + "\n"}
				if err := c.ed.ApplyEdits(editor.OriginLocal, change); err != nil {
					return err
				}
				lines++
			}
			if err := sc.Err(); err != nil {
				return err
			}
			c.sess.Flush()

			if err := waitAcked(ctx, c.sess, wait); err != nil {
				return err
			}
			if save {
				if err := c.sess.Save(ctx); err != nil {
					return fmt.Errorf("save: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %d lines, document at r%d\n", lines, c.sess.Version())
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the relay to acknowledge")
	cmd.Flags().BoolVar(&save, "save", false, "save the final content through the http api")
	return cmd
}

// waitAcked polls until the session is live with every batch acknowledged.
func waitAcked(ctx context.Context, s *collab.Session, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if s.State() == collab.StateLive && s.Queued() == 0 && s.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d batches unacknowledged in state %s: %w", s.Queued()+s.Pending(), s.State(), ctx.Err())
		case <-t.C:
		}
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token with the relay's secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.cfg.Auth.Secret
			if secret == "" {
				return errors.New("auth.secret is not configured (COLLAB_AUTH_SECRET)")
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			if username == "" {
				username = userID
			}
			if ttl <= 0 {
				ttl = opts.cfg.Auth.AccessTTL
			}
			tok, exp, err := auth.NewSigner(secret).SignAccessToken(userID, username, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&username, "name", "", "display name, defaults to the user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to auth.access_ttl")
	return cmd
}
