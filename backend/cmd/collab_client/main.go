package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"collabSync/backend/config"
	"collabSync/backend/internal/breaker"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/identity"
	"collabSync/backend/internal/presence"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/transport"
)

const channelID = "main"

type rootOptions struct {
	configDir string
	server    string
	httpURL   string
	token     string
	docID     string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "collab",
		Short:        "Command line client for the collaborative editing relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// glog reads its flags from flag.CommandLine
			_ = flag.CommandLine.Parse(nil)
			var paths []string
			if opts.configDir != "" {
				paths = append(paths, opts.configDir)
			}
			cfg, err := config.Load(paths...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.server != "" {
				cfg.Client.ServerURL = opts.server
			}
			if opts.httpURL != "" {
				cfg.Client.HTTPURL = opts.httpURL
			}
			if opts.token != "" {
				cfg.Client.Token = opts.token
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "directory holding collabConfig.yaml")
	cmd.PersistentFlags().StringVar(&opts.server, "server", "", "relay websocket url")
	cmd.PersistentFlags().StringVar(&opts.httpURL, "http", "", "relay http base url")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "access token")
	cmd.PersistentFlags().StringVar(&opts.docID, "doc", "", "document id")

	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newAppendCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

// client is one editor attached to one document through the relay.
type client struct {
	tm   *transport.Manager
	ed   *editor.Buffer
	pres *presence.Broadcaster
	sess *collab.Session
}

type hooks struct {
	onRemote func(m protocol.FileEdit, text string)
	onState  func(collab.SessionState, error)
}

func openClient(ctx context.Context, opts *rootOptions, h hooks) (*client, error) {
	if opts.docID == "" {
		return nil, fmt.Errorf("--doc is required")
	}
	cfg := opts.cfg
	id, err := identity.FromToken(cfg.Client.Token)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	guards := breaker.NewRegistry(cfg.BreakerOptions())
	tm := transport.NewManager(cfg.TransportSettings(), transport.WithGuards(guards))
	if err := tm.Connect(ctx, channelID, cfg.Client.ServerURL, id); err != nil {
		// keeps reconnecting in the background
		glog.Warningf("[t] first dial of %s: %v", cfg.Client.ServerURL, err)
	}

	c := &client{tm: tm, ed: editor.NewBuffer("")}
	c.pres = presence.NewBroadcaster(tm, channelID,
		presence.WithSelf(id.UserID()),
		presence.WithThrottle(cfg.Client.Presence.Throttle),
		presence.WithTimeout(cfg.Client.Presence.Timeout))
	go c.pres.Run(ctx)

	docs := store.NewHTTPDocumentStore(cfg.Client.HTTPURL, id, store.WithGuard(guards.Get(cfg.Client.HTTPURL)))
	c.sess, err = collab.NewSession(collab.SessionConfig{
		DocumentID: opts.docID,
		ChannelID:  channelID,
		Identity:   id,
		Transport:  tm,
		Editor:     c.ed,
		Store:      docs,
		Presence:   c.pres,
		IdleDelay:  cfg.Client.IdleDelay,
		OnState:    h.onState,
		OnRemote: func(m protocol.FileEdit) {
			if h.onRemote != nil {
				h.onRemote(m, c.ed.Value())
			}
		},
	})
	if err != nil {
		c.close()
		return nil, err
	}
	if err := c.sess.Open(ctx); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *client) close() {
	if c.sess != nil {
		_ = c.sess.Close()
	}
	c.pres.Close()
	c.tm.Close()
}

func main() {
	defer glog.Flush()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
