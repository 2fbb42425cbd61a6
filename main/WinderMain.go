// winder drives a coil-winding rig over its serial link.
//
// Usage:
//
//	winder [-config winder.toml] [-port /dev/ttyUSB0] [-simulate] [-console] [-resume]
//
// Without -console the configured job is wound from the first step, or
// from the checkpoint when -resume is given.
package main

import (
	"flag"
	"fmt"
	"os"

	"coilwinder/common/config"
	"coilwinder/common/logger"
	"coilwinder/common/utils/sys"
	"coilwinder/project/channel"
	"coilwinder/project/console"
	"coilwinder/project/job"
	"coilwinder/project/sim"
	"coilwinder/project/winder"
)

func main() {
	configFile := flag.String("config", "", "winder configuration file (.toml or .yaml)")
	port := flag.String("port", "", "serial port, discovered by USB vendor id when empty")
	simulate := flag.Bool("simulate", false, "run against the built-in firmware simulator")
	interactive := flag.Bool("console", false, "start the operator console instead of a job")
	resume := flag.Bool("resume", false, "continue the job recorded in the checkpoint file")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	logger.InitLogger(logger.Options{
		Level:      logger.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		Color:      cfg.Log.Color,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	defer logger.Sync()
	logger.Debugf("main thread %d running", sys.GetGID())

	if *port != "" {
		cfg.Serial.Port = *port
	}
	if err := run(cfg, *simulate, *interactive, *resume); err != nil {
		logger.Errorf("%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, simulate, interactive, resume bool) (err error) {
	defer sys.CatchPanic(&err)

	var opener channel.Opener = channel.SerialOpener{}
	if simulate {
		if cfg.Serial.Port == "" {
			cfg.Serial.Port = "sim"
		}
		opener = sim.New(sim.Options{Banner: []string{"start", "echo: winder simulator"}}).Opener()
	} else if cfg.Serial.Port == "" {
		if cfg.Serial.Port, err = channel.Discover(cfg.Serial.VendorID); err != nil {
			return err
		}
	}

	ch := channel.New(cfg.Serial, opener)
	if err := ch.Open(); err != nil {
		return err
	}
	defer ch.Close()

	ctl, err := winder.New(ch, cfg.Machine)
	if err != nil {
		return err
	}

	if interactive {
		return console.New(ctl, os.Stdin, os.Stdout).Run()
	}

	runner := job.NewRunner(ctl, job.PlanFromConfig(cfg.Job), cfg.Job, job.LogSink{})
	if !resume {
		return runner.Run()
	}
	if cfg.Job.Checkpoint == "" {
		return fmt.Errorf("-resume needs job.checkpoint to be configured")
	}
	cp, err := job.LoadCheckpoint(cfg.Job.Checkpoint)
	if err != nil {
		return err
	}
	return runner.Resume(cp)
}
