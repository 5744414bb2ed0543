package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/go-chat-core/internal/transport"
	"github.com/multi-agent/go-chat-core/internal/viewserver"
	"github.com/multi-agent/go-chat-core/pkg/logger"
)

var (
	serveAddr         string
	serveConversation string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session view over HTTP (JSON + SSE)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveConversation != "" {
			if err := a.session.Open(ctx, serveConversation); err != nil {
				return err
			}
		}
		addr := serveAddr
		if addr == "" {
			addr = a.cfg.ViewAddr
		}

		srv := viewserver.NewServer(a.session, a.directory)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(gctx, addr) })
		g.Go(func() error {
			return watchConnection(gctx, a)
		})
		err = g.Wait()
		logger.Info("chat-terminal: server stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default CHAT_VIEW_ADDR)")
	serveCmd.Flags().StringVar(&serveConversation, "conversation", "", "Conversation to open on start")
}

// watchConnection 记录连接状态变化, 直到 ctx 结束。
func watchConnection(ctx context.Context, a *app) error {
	remove := a.channel.OnStateChange(func(s transport.ConnState) {
		logger.Info("chat-terminal: connection state", logger.FieldState, string(s))
	})
	defer remove()
	<-ctx.Done()
	return nil
}
