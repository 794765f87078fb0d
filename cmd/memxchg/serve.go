package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/rocketbitz/memxchg/exchange"
	"github.com/rocketbitz/memxchg/peer"
)

const serverReply = "Response from server!"

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "accept one peer and answer its requests",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "listen",
				Value:  "10.10.10.221",
				Usage:  "address to bind",
				EnvVar: "MEMXCHG_LISTEN",
			},
			cli.StringFlag{
				Name:   "port",
				Value:  peer.DefaultService,
				EnvVar: "MEMXCHG_PORT",
			},
			cli.BoolFlag{
				Name:  "init-pages",
				Usage: "fill each page of the buffer with a \"Page [i]\" marker before serving",
			},
			cli.StringFlag{
				Name:  "reply",
				Value: serverReply,
				Usage: "reply written for every request",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			defer rt.Close()
			return serve(c, rt)
		},
	}
}

func serve(c *cli.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buf, err := rt.allocBuffer()
	if err != nil {
		return rt.fatal("allocate buffer", err)
	}
	defer buf.Close()
	if c.Bool("init-pages") {
		exchange.FillPages(buf.Bytes(), exchange.DefaultPageSize)
	}

	cfg := rt.peer
	cfg.Node = c.String("listen")
	cfg.Service = c.String("port")
	l, err := peer.Listen(cfg)
	if err != nil {
		return rt.fatal("listen", err)
	}
	rt.log.Infow("listening", "node", cfg.Node, "service", cfg.Service, "fabric", l.Info().String())

	registry := exchange.NewRegistry(rt.exchange.Layout)
	conn, err := l.Accept(ctx, registry, buf.Bytes())
	if err != nil {
		_ = multierr.Append(registry.Close(), l.Close())
		return rt.fatal("accept", err)
	}
	session, err := rt.newSession(registry, conn)
	if err != nil {
		_ = multierr.Combine(conn.Close(), registry.Close(), l.Close())
		return rt.fatal("session", err)
	}
	rt.log.Infow("peer connected", "session", session.ID())

	if err := rt.handshake(ctx, session); err != nil {
		_ = multierr.Append(session.Close(), l.Close())
		return rt.fatal("descriptor exchange", err)
	}

	reply := append([]byte(c.String("reply")), 0)
	err = session.Serve(ctx, func(req []byte) []byte {
		rt.log.Infow("request", "session", session.ID(), "payload", string(exchange.TrimNUL(req)))
		return reply
	})
	closeErr := multierr.Append(session.Close(), l.Close())
	if err != nil {
		return rt.fatal("serve", err)
	}
	if closeErr != nil {
		rt.log.Warnw("close", "error", closeErr)
	}
	rt.log.Infow("stopped", "stats", session.Dispatcher().Stats())
	return nil
}
