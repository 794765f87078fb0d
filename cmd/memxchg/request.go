package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/rocketbitz/memxchg/exchange"
	"github.com/rocketbitz/memxchg/faultq"
	"github.com/rocketbitz/memxchg/peer"
)

const watchInterval = 100 * time.Millisecond

func RequestCmd() cli.Command {
	return cli.Command{
		Name:  "request",
		Usage: "connect to a server and run exchanges",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "server",
				Value:  "10.10.10.221",
				EnvVar: "MEMXCHG_SERVER",
			},
			cli.StringFlag{
				Name:   "port",
				Value:  peer.DefaultService,
				EnvVar: "MEMXCHG_PORT",
			},
			cli.StringFlag{
				Name:  "payload",
				Value: "Request from client",
			},
			cli.IntFlag{
				Name:  "count",
				Value: 1,
				Usage: "manual exchanges to run after connecting",
			},
			cli.StringFlag{
				Name:   "fault-queue",
				Usage:  "consume fault notifications from this ring, e.g. " + faultq.DefaultDevicePath,
				EnvVar: "MEMXCHG_FAULT_QUEUE",
			},
			cli.StringFlag{
				Name:  "tail-policy",
				Value: faultq.TailAdvance.String(),
				Usage: "fault ring tail handling: advance or observe",
			},
			cli.StringFlag{
				Name:   "fault-device",
				Usage:  "register the buffer with and acknowledge faults through this driver node, e.g. " + faultq.DefaultUVMPath,
				EnvVar: "MEMXCHG_FAULT_DEVICE",
			},
			cli.BoolFlag{
				Name:  "watch-signals",
				Usage: "trigger an exchange on SIGINT and on SIGIO; exit on SIGTERM",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			defer rt.Close()
			return request(c, rt)
		},
	}
}

func request(c *cli.Context, rt *runtime) error {
	watch := c.Bool("watch-signals")
	stopSignals := []os.Signal{syscall.SIGTERM}
	if !watch {
		stopSignals = append(stopSignals, os.Interrupt)
	}
	ctx, stop := signal.NotifyContext(context.Background(), stopSignals...)
	defer stop()
	sigs := make(chan os.Signal, 4)
	if watch {
		signal.Notify(sigs, os.Interrupt, syscall.SIGIO)
		defer signal.Stop(sigs)
	}

	buf, err := rt.allocBuffer()
	if err != nil {
		return rt.fatal("allocate buffer", err)
	}
	defer buf.Close()

	var dev *faultq.Device
	if path := c.String("fault-device"); path != "" {
		dev = openFaultDevice(rt, path, buf.Bytes())
		if dev != nil {
			defer dev.Close()
		}
	}

	cfg := rt.peer
	cfg.Node = c.String("server")
	cfg.Service = c.String("port")
	registry := exchange.NewRegistry(rt.exchange.Layout)
	conn, err := peer.Dial(ctx, cfg, registry, buf.Bytes())
	if err != nil {
		_ = registry.Close()
		return rt.fatal("connect", err)
	}
	session, err := rt.newSession(registry, conn)
	if err != nil {
		_ = multierr.Append(conn.Close(), registry.Close())
		return rt.fatal("session", err)
	}
	defer session.Close()
	rt.log.Infow("connected", "session", session.ID(), "server", cfg.Node, "fabric", conn.Info().String())

	if err := rt.handshake(ctx, session); err != nil {
		return rt.fatal("descriptor exchange", err)
	}

	payload := append([]byte(c.String("payload")), 0)
	for i := 0; i < c.Int("count"); i++ {
		res, err := session.Trigger(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return rt.fatal("exchange", err)
		}
		fmt.Println(string(exchange.TrimNUL(res.Response)))
	}

	consumerErr := make(chan error, 1)
	queuePath := c.String("fault-queue")
	if queuePath != "" {
		policy, err := faultq.ParseTailPolicy(c.String("tail-policy"))
		if err != nil {
			return rt.fatal("fault queue", err)
		}
		q, err := faultq.Open(queuePath, faultq.WithConsumerLock())
		if err != nil {
			return rt.fatal("fault queue", err)
		}
		defer q.Close()
		ccfg := faultq.ConsumerConfig{
			Offer: func(t faultq.Task) bool {
				return session.TryTrigger(exchange.SourceFault, faultPayload(t))
			},
			Policy:  policy,
			Logger:  rt.log,
			Metrics: rt.exchange.Metrics,
		}
		if dev != nil {
			ccfg.Ack = dev
		}
		consumer, err := faultq.NewConsumer(q, ccfg)
		if err != nil {
			return rt.fatal("fault queue", err)
		}
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		defer func() {
			cancel()
			<-done
			rt.log.Infow("fault queue stopped", "stats", consumer.Stats())
		}()
		go func() {
			defer close(done)
			consumerErr <- consumer.Run(runCtx)
		}()
		rt.log.Infow("consuming fault queue", "path", queuePath, "policy", policy.String())
	}

	if !watch && queuePath == "" {
		return nil
	}

	if watch {
		rt.log.Infow("watching signals", "pid", os.Getpid())
	}
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-consumerErr:
			if err != nil {
				return rt.fatal("fault queue", err)
			}
			return nil
		case sig := <-sigs:
			onSignal(rt, session, dev, sig, payload)
		case <-ticker.C:
			if err := session.Err(); err != nil {
				return rt.fatal("exchange", err)
			}
		}
	}
}

func openFaultDevice(rt *runtime, path string, buf []byte) *faultq.Device {
	dev, err := faultq.OpenDevice(path)
	if err != nil {
		rt.log.Warnw("fault device unavailable", "path", path, "error", err)
		return nil
	}
	if err := dev.RegisterBuffer(uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		rt.log.Warnw("register buffer", "path", path, "error", err)
	}
	return dev
}

func onSignal(rt *runtime, session *exchange.Session, dev *faultq.Device, sig os.Signal, payload []byte) {
	source := exchange.SourceManual
	if sig == syscall.SIGIO {
		source = exchange.SourceSignal
	}
	accepted := session.TryTrigger(source, payload)
	rt.log.Debugw("signal", "signal", sig.String(), "source", source.String(), "accepted", accepted)
	if source == exchange.SourceSignal && dev != nil {
		if err := dev.AcknowledgeFault(); err != nil {
			rt.log.Warnw("acknowledge fault", "error", err)
		}
	}
}

func faultPayload(t faultq.Task) []byte {
	return append([]byte(fmt.Sprintf("Fault at 0x%x", t.FaultVA)), 0)
}
