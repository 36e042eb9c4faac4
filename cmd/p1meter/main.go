package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/p1meter/cmd/p1meter/subcmd"
	"github.com/temoto/p1meter/internal/meter"
	"github.com/temoto/p1meter/internal/metrics"
	"github.com/temoto/p1meter/internal/state"
	"github.com/temoto/p1meter/log2"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "p1meter.hcl", "")
	flagSQL := flag.Bool("sql", false, "write telegrams to SQL database instead of MQTT")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [read|daemon]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if subcmd.SdNotify("start") || !isatty.IsTerminal(os.Stderr.Fd()) {
		// under systemd assume systemd journal logging, no timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	a := &app{
		log:     log,
		stdout:  os.Stdout,
		metrics: metrics.New(),
		notify:  subcmd.SdNotify,
	}
	err := a.main(ctx, *flagConfig, *flagSQL, flag.Arg(0))
	cancel()
	if err != nil {
		log.Errorf("kind=%s %s", meter.ErrorKind(err), errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (self *app) main(ctx context.Context, configPath string, modeSQL bool, command string) error {
	mod, err := subcmd.Parse(command, self.modules())
	if err != nil {
		return errors.Annotate(err, "usage: p1meter [-config=p1meter.hcl] [-sql] [read|daemon]")
	}

	c, err := state.ReadConfig(self.log, state.NewOsFullReader(), configPath)
	if err != nil {
		return errors.Annotate(err, "config")
	}
	if modeSQL {
		c.Mode = state.ModeSQL
	}
	if err = c.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	if c.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}

	if self.metrics != nil {
		self.log.SetErrorFunc(self.metrics.LogError)
		if c.Metrics.Listen != "" {
			if _, err := self.metrics.Serve(ctx, self.log, c.Metrics.Listen); err != nil {
				return err
			}
		}
	}

	self.log.Debugf("command=%s config=%s", mod.Name, configPath)
	return mod.Main(ctx, c)
}

// First signal stops gracefully, second one exits immediately.
func handleSignals(cancel context.CancelFunc) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigch
	log.Infof("signal=%v stopping", sig)
	cancel()
	sig = <-sigch
	log.Errorf("signal=%v exit now", sig)
	os.Exit(1)
}
