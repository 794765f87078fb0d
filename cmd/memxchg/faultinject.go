package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"github.com/rocketbitz/memxchg/faultq"
)

func FaultInjectCmd() cli.Command {
	return cli.Command{
		Name:  "fault-inject",
		Usage: "publish fault addresses into a notification ring, creating it when missing",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "queue",
				Value:  faultq.DefaultDevicePath,
				EnvVar: "MEMXCHG_FAULT_QUEUE",
			},
			cli.StringSliceFlag{
				Name:  "va",
				Usage: "fault virtual address, e.g. 0x7f0000001000; may be repeated",
			},
			cli.BoolFlag{
				Name:  "reclaim",
				Usage: "advance the tail past processed slots before publishing",
			},
		},
		Action: func(c *cli.Context) error {
			log, err := newLogger(c.GlobalBool("debug"))
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			defer log.Sync()
			if err := injectFaults(c); err != nil {
				log.Errorw("fault-inject failed", "queue", c.String("queue"), "error", err)
				return cli.NewExitError(err.Error(), 1)
			}
			log.Infow("faults published", "queue", c.String("queue"), "count", len(c.StringSlice("va")))
			return nil
		},
	}
}

func injectFaults(c *cli.Context) error {
	vas := c.StringSlice("va")
	if len(vas) == 0 {
		return errors.New("at least one --va is required")
	}
	addrs := make([]uint64, 0, len(vas))
	for _, s := range vas {
		va, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return err
		}
		addrs = append(addrs, va)
	}

	path := c.String("queue")
	q, err := faultq.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		q, err = faultq.Create(path)
	}
	if err != nil {
		return err
	}
	defer q.Close()

	p := faultq.NewProducer(q)
	if c.Bool("reclaim") {
		if _, err := p.Reclaim(); err != nil {
			return err
		}
	}
	for _, va := range addrs {
		if err := p.Push(va); err != nil {
			return err
		}
	}
	return nil
}
