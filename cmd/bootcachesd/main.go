// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Command bootcachesd keeps helper partitions synchronized with the boot
// artifacts named by each host volume's bootcaches.plist descriptor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mendersoftware/bootcachesd/bootcaches"
	"github.com/mendersoftware/bootcachesd/conf"
	"github.com/mendersoftware/bootcachesd/diskinfo"
	"github.com/mendersoftware/bootcachesd/helperupdate"
	"github.com/mendersoftware/bootcachesd/lockarbiter"
	"github.com/mendersoftware/bootcachesd/staleness"
	"github.com/mendersoftware/bootcachesd/system"
	"github.com/mendersoftware/bootcachesd/volumewatch"
)

func main() {
	app := &cli.App{
		Name:  "bootcachesd",
		Usage: "synchronize helper partitions with a volume's boot caches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the daemon's JSON configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "panic, fatal, error, warn, info, debug, or trace",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "run the volume watcher in the foreground",
				Action: func(ctx *cli.Context) error {
					return runDaemon(ctx)
				},
			},
			{
				Name:      "update",
				Usage:     "update a single volume's helper partitions and exit",
				ArgsUsage: "<volume-root>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "update the helper partitions even if nothing is stale",
					},
				},
				Action: func(ctx *cli.Context) error {
					return runUpdateOnce(ctx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level, err := log.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

func loadConfig(ctx *cli.Context) (*conf.Config, error) {
	return conf.Load(ctx.String("config"))
}

// runDaemon wires every collaborator together and runs the single
// control-thread event loop until SIGTERM/SIGINT, matching the teacher's
// signal-handling shape (app/daemon.go's Run loop, adapted to select on an
// os/signal channel instead of a config-file watcher).
func runDaemon(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	sc := system.OsCalls{}
	arbiter := diskinfo.New(sc)
	updater := helperupdate.New(arbiter, cfg.MinHelperPartitionBytes)
	controller := volumewatch.New(cfg, arbiter, updater)
	locks := lockarbiter.New(controller, cfg.MaxErrCount)
	controller.SetLockArbiter(locks)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if reloaded, err := loadConfig(ctx); err != nil {
					log.WithError(err).Warn("bootcachesd: reloading configuration failed")
				} else {
					*cfg = *reloaded
					log.Info("bootcachesd: configuration reloaded")
				}
			default:
				log.WithField("signal", sig).Info("bootcachesd: shutting down")
				cancel()
				return
			}
		}
	}()

	return controller.Run(runCtx)
}

// runUpdateOnce performs a single synchronous update of one volume's
// helper partitions -- the external-cache-builder/kextcache-style
// one-shot invocation (SPEC_FULL.md §6). It takes no per-volume lock: no
// lockarbiter.Arbiter exists in this process, so it is not serialized
// against a running daemon's rebuilds of the same volume.
func runUpdateOnce(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}
	if ctx.Args().Len() != 1 {
		return cli.Exit("exactly one <volume-root> argument is required", 1)
	}
	root := ctx.Args().First()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	sc := system.OsCalls{}
	arbiter := diskinfo.New(sc)

	bc, err := bootcaches.Parse(root, arbiter, cfg.BootstampDirName)
	if err != nil {
		return err
	}
	defer bc.Close()

	rep, err := staleness.Assess(bc, root)
	if err != nil {
		return err
	}
	if !rep.Any && !ctx.Bool("force") {
		log.Info("bootcachesd: nothing stale")
		return nil
	}

	vols, err := arbiter.ListVolumes()
	if err != nil {
		return err
	}
	bsdName := ""
	for _, v := range vols {
		if v.MountPoint == root {
			bsdName = v.BSDName
			break
		}
	}
	if bsdName == "" {
		return cli.Exit(fmt.Sprintf("no mounted volume found at %s", root), 1)
	}

	helpers, err := arbiter.HelperPartitions(bsdName)
	if err != nil {
		return err
	}

	updater := helperupdate.New(arbiter, cfg.MinHelperPartitionBytes)
	failed := false
	for _, helperBSD := range helpers {
		if err := updater.UpdateHelper(helperBSD, bc, rep); err != nil {
			failed = true
			log.WithError(err).WithField("helper", helperBSD).Error("bootcachesd: helper update failed")
		}
	}
	if failed {
		return cli.Exit("one or more helper partitions failed to update", 1)
	}
	return bc.CommitBootstamps(bc.AllPaths())
}
