// Copyright 2024 Northern.tech AS
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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/fieldkit-os/brownfield-migrate/asset"
	"github.com/fieldkit-os/brownfield-migrate/bootmgr"
	"github.com/fieldkit-os/brownfield-migrate/conf"
	"github.com/fieldkit-os/brownfield-migrate/handoff"
	"github.com/fieldkit-os/brownfield-migrate/migrationlog"
	"github.com/fieldkit-os/brownfield-migrate/probe"
	"github.com/fieldkit-os/brownfield-migrate/stage1"
	"github.com/fieldkit-os/brownfield-migrate/stage2"
	"github.com/fieldkit-os/brownfield-migrate/system"
)

// supportedHostOSIDs is the host-OS version whitelist the migrate command
// consults unless --skip-os-whitelist is given. It is a front-end
// convenience check only: migrating a host the engine was never validated
// against is still technically possible, but refusing by default catches
// the common mistake of pointing the tool at the wrong device.
var supportedHostOSIDs = []string{"debian", "raspbian", "ubuntu", "fedora", "alpine"}

func migrateCommand(opts *runOptionsType) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "run Stage-1: precheck, plan, and (unless --pretend) arm the boot area for Stage-2.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "migration configuration `FILE` path.",
				Value:       conf.DefaultConfFile,
				Destination: &opts.configPath,
			},
			&cli.StringFlag{
				Name:        "fallback-config",
				Aliases:     []string{"b"},
				Usage:       "fallback migration configuration `FILE` path.",
				Value:       conf.DefaultFallbackConfFile,
				Destination: &opts.fallbackConfigPath,
			},
			&cli.StringFlag{
				Name:        "work-dir",
				Usage:       "working `DIR`ECTORY Stage-1 stages assets under.",
				Destination: &opts.workDir,
			},
			&cli.StringFlag{
				Name:        "device-config",
				Usage:       "`PATH` to the device-config blob to inject into the appliance.",
				Destination: &opts.deviceConfigPath,
			},
			&cli.StringFlag{
				Name:        "image",
				Usage:       "`PATH` to the target appliance image (raw_image mode).",
				Destination: &opts.imagePath,
			},
			&cli.IntFlag{
				Name:        "reboot-after",
				Usage:       "schedule the reboot into Stage-2 `SEC`onds after a successful commit.",
				Destination: &opts.rebootAfter,
			},
			&cli.BoolFlag{
				Name:        "pretend",
				Usage:       "run every check but do not touch boot state.",
				Destination: &opts.pretend,
			},
			&cli.BoolFlag{
				Name:        "no-network-config-required",
				Usage:       "waive the requirement that at least one network configuration file is present.",
				Destination: &opts.noNetworkRequired,
			},
			&cli.BoolFlag{
				Name:        "skip-os-whitelist",
				Usage:       "skip the host-OS version whitelist check.",
				Destination: &opts.skipOSWhitelist,
			},
			&cli.BoolFlag{
				Name:        "skip-flash",
				Usage:       "debug: accept the plan and arm boot state, but mark the descriptor no_flash so Stage-2 skips the destructive write.",
				Destination: &opts.skipFlash,
			},
			&cli.StringFlag{
				Name:        "force-flash-device",
				Usage:       "debug: override the device the migration lock and flash target resolve to.",
				Destination: &opts.forceFlashDevice,
			},
			&cli.StringFlag{
				Name:        "device-class",
				Usage:       "override device class for boards without a usable DMI table.",
				Destination: &opts.deviceClass,
			},
			&cli.StringFlag{
				Name:  "wifis",
				Usage: "comma-separated `SSID` list to carry across, overriding migrate.wifis.",
			},
			&cli.BoolFlag{
				Name:  "all-wifis",
				Usage: "carry across every wifi network known to the host, overriding migrate.all_wifis.",
			},
		},
		Action: func(ctx *cli.Context) error {
			opts.wifis = splitCSV(ctx.String("wifis"))
			opts.allWifis = ctx.Bool("all-wifis")
			return doMigrate(opts)
		},
	}
}

func doMigrate(opts *runOptionsType) error {
	cfg, err := conf.LoadConfig(opts.configPath, opts.fallbackConfigPath)
	if err != nil {
		return cli.Exit(err, 1)
	}
	applyMigrateOverrides(cfg, opts)

	if err := cfg.Validate(); err != nil {
		return cli.Exit(err, 1)
	}

	if !opts.skipOSWhitelist {
		if err := checkHostOSWhitelist(); err != nil {
			return cli.Exit(err, 1)
		}
	} else {
		log.Warn("cli: host-OS version whitelist check skipped")
	}

	prober := &probe.LiveProber{StatCommander: new(system.OsCalls), DeviceClassOverride: opts.deviceClass}

	_, ramAvailable, err := prober.MemInfo()
	if err != nil {
		return cli.Exit(errors.Wrap(err, "cli: reading memory information"), 1)
	}
	budget, err := asset.StatfsBudget("/boot", ramAvailable)
	if err != nil {
		return cli.Exit(errors.Wrap(err, "cli: statting boot area"), 1)
	}

	declared, descriptor, err := buildMigrationPlan(cfg)
	if err != nil {
		return cli.Exit(err, 1)
	}

	var history *migrationlog.Store
	if h, err := migrationlog.Open(conf.DefaultMigrationLogPath); err != nil {
		log.Warnf("cli: migration attempt history unavailable: %v", err)
	} else {
		history = h
		defer history.Close()
	}

	selector := &bootmgr.Selector{Candidates: []bootmgr.Manager{
		bootmgr.NewLegacyMenuManager("/boot"),
		bootmgr.NewUEFIManager("/boot/efi"),
		bootmgr.NewVendorBootManager("/boot/vendor"),
		bootmgr.NewEnvFileManager(new(system.OsCalls)),
	}}

	mode := stage1.ModePretend
	if !opts.pretend && cfg.Migrate.Mode == conf.ModeImmediate {
		mode = stage1.ModeImmediate
		confirmed, err := confirmImmediateRun(opts.deviceClass)
		if err != nil {
			return cli.Exit(errors.Wrap(err, "cli: reading confirmation"), 1)
		}
		if !confirmed {
			return cli.Exit(errors.New("cli: immediate run not confirmed"), 1)
		}
	}

	runCfg := stage1.Config{
		Mode:             mode,
		ForceFlashDevice: opts.forceFlashDevice,
		RebootDelay:      time.Duration(cfg.Migrate.Reboot) * time.Second,
		PlanInputs: bootmgr.PlanInputs{
			KernelPath:      cfg.Migrate.Kernel.Path,
			InitrdPath:      cfg.Migrate.Initrd.Path,
			ExtraKernelOpts: cfg.Migrate.KernelOpts,
			OSName:          cfg.Balena.AppName,
		},
		Declared:             declared,
		Budget:               budget,
		RequireNetworkConfig: !opts.noNetworkRequired && cfg.Migrate.RequireNwmgrConfig,
		HasNetworkConfig:     len(cfg.Migrate.NetworkConfigFiles) > 0,
		WorkDir:              cfg.Migrate.WorkDir,
		DescriptorFields:     descriptor,
		Prober:               prober,
		Selector:             selector,
		Rebooter:             system.NewSystemRebootCmd(new(system.OsCalls)),
		History:              history,
	}

	result, err := stage1.Run(context.Background(), runCfg)
	if err != nil {
		return cli.Exit(err, classifyStage1Error(err))
	}

	if result.Pretend {
		fmt.Printf("pretend run accepted: device_class=%s boot_manager_candidates=%d\n",
			result.Profile.DeviceClass, len(selector.Candidates))
		return nil
	}
	fmt.Printf("migration committed: boot_manager=%s reboot_in=%ds\n",
		result.BootPlan.BootManagerKind, cfg.Migrate.Reboot)
	return nil
}

func applyMigrateOverrides(cfg *conf.MigrateConfig, opts *runOptionsType) {
	if opts.workDir != "" {
		cfg.Migrate.WorkDir = opts.workDir
	}
	if opts.imagePath != "" {
		cfg.Balena.Image = conf.ImageConfig{DD: &conf.DigestedPath{Path: opts.imagePath, Digest: opts.imageDigest}}
	}
	if opts.deviceConfigPath != "" {
		cfg.Balena.Config = conf.DigestedPath{Path: opts.deviceConfigPath}
	}
	if opts.noNetworkRequired {
		cfg.Migrate.RequireNwmgrConfig = false
	}
	if opts.pretend {
		cfg.Migrate.Mode = conf.ModePretend
	}
	if opts.rebootAfter > 0 {
		cfg.Migrate.Reboot = opts.rebootAfter
	}
	if opts.skipFlash {
		cfg.Debug.SkipFlash = true
	}
	if opts.forceFlashDevice != "" {
		cfg.Migrate.ForceFlashDevice = opts.forceFlashDevice
		cfg.Debug.ForceFlashDevice = opts.forceFlashDevice
	}
	if len(opts.wifis) > 0 {
		cfg.Migrate.Wifis = opts.wifis
	}
	if opts.allWifis {
		cfg.Migrate.AllWifis = true
	}
}

// checkHostOSWhitelist refuses to proceed on a host OS identity this
// engine was never validated against, unless waived. Grounded on the
// same "fail fast before touching anything" ordering Device Probe itself
// applies to privilege and secure boot.
func checkHostOSWhitelist() error {
	return checkHostOSWhitelistAt("/etc/os-release")
}

func checkHostOSWhitelistAt(osReleasePath string) error {
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return errors.Wrap(err, "cli: could not read /etc/os-release for host-OS whitelist check")
	}
	var id string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
			break
		}
	}
	for _, allowed := range supportedHostOSIDs {
		if id == allowed {
			return nil
		}
	}
	return errors.Errorf("cli: host OS %q is not on the supported whitelist, pass --skip-os-whitelist to override", id)
}

// buildMigrationPlan turns the configuration document into the declared
// asset list and the HandoffDescriptor template Stage-1 fills the rest of
// in before writing it.
func buildMigrationPlan(cfg *conf.MigrateConfig) ([]asset.Declared, handoff.HandoffDescriptor, error) {
	var declared []asset.Declared
	declared = append(declared,
		asset.Declared{Path: cfg.Migrate.Kernel.Path, OptionalDigest: cfg.Migrate.Kernel.Digest, Kind: asset.KindBootArea, Label: "kernel"},
		asset.Declared{Path: cfg.Migrate.Initrd.Path, OptionalDigest: cfg.Migrate.Initrd.Digest, Kind: asset.KindBootArea, Label: "initrd"},
	)
	for _, dt := range cfg.Migrate.DeviceTree {
		declared = append(declared, asset.Declared{Path: dt.Path, OptionalDigest: dt.Digest, Kind: asset.KindBootArea, Label: "device-tree"})
	}

	var image handoff.ImageDescriptor
	var flashMode handoff.FlashMode
	switch {
	case cfg.Balena.Image.DD != nil:
		flashMode = handoff.FlashModeRawImage
		declared = append(declared, asset.Declared{
			Path: cfg.Balena.Image.DD.Path, OptionalDigest: cfg.Balena.Image.DD.Digest,
			Kind: asset.KindWorkingSet, Label: "appliance image",
		})
		image = handoff.ImageDescriptor{
			Kind:     handoff.FlashModeRawImage,
			RawImage: &handoff.RawImageSpec{Path: cfg.Balena.Image.DD.Path, OptionalDigest: cfg.Balena.Image.DD.Digest},
		}
	case cfg.Balena.Image.FS != nil:
		flashMode = handoff.FlashModeFilesystemRestore
		partitions := map[string]handoff.PartitionArchive{}
		named := map[string]*conf.PartitionArchiveConfig{
			"boot": cfg.Balena.Image.FS.Boot, "root_a": cfg.Balena.Image.FS.RootA,
			"root_b": cfg.Balena.Image.FS.RootB, "state": cfg.Balena.Image.FS.State,
			"data": cfg.Balena.Image.FS.Data,
		}
		for name, p := range named {
			if p == nil {
				continue
			}
			declared = append(declared, asset.Declared{
				Path: p.Archive.Path, OptionalDigest: p.Archive.Digest,
				Kind: asset.KindWorkingSet, Label: "partition archive " + name,
			})
			partitions[name] = handoff.PartitionArchive{
				SizeBlocks: p.Blocks, ArchivePath: p.Archive.Path, OptionalDigest: p.Archive.Digest,
			}
		}
		var badBlockCheck handoff.BadBlockCheck
		switch cfg.Balena.Image.FS.Check {
		case "ro":
			badBlockCheck = handoff.BadBlockCheckRO
		case "rw":
			badBlockCheck = handoff.BadBlockCheckRW
		default:
			badBlockCheck = handoff.BadBlockCheckNone
		}
		image = handoff.ImageDescriptor{
			Kind: handoff.FlashModeFilesystemRestore,
			FilesystemRestore: &handoff.FilesystemRestoreSpec{
				DeviceSlug:    cfg.Balena.Image.FS.DeviceSlug,
				Partitions:    partitions,
				BadBlockCheck: badBlockCheck,
				MaximiseData:  cfg.Balena.Image.FS.MaxData,
				DirectIO:      cfg.Balena.Image.FS.MkfsDirect,
			},
		}
	default:
		return nil, handoff.HandoffDescriptor{}, errors.New("cli: balena.image names neither dd nor fs")
	}

	var networkHandles []handoff.StableHandle
	for _, f := range cfg.Migrate.NetworkConfigFiles {
		declared = append(declared, asset.Declared{Path: f, Kind: asset.KindWorkingSet, Label: "network config"})
		networkHandles = append(networkHandles, handoff.StableHandle{RelativePath: f})
	}

	var deviceConfigHandle handoff.StableHandle
	if cfg.Balena.Config.Path != "" {
		declared = append(declared, asset.Declared{
			Path: cfg.Balena.Config.Path, OptionalDigest: cfg.Balena.Config.Digest,
			Kind: asset.KindWorkingSet, Label: "device config blob",
		})
		deviceConfigHandle = handoff.StableHandle{RelativePath: cfg.Balena.Config.Path}
	}

	descriptor := handoff.HandoffDescriptor{
		WorkDirHandle:            handoff.StableHandle{RelativePath: cfg.Migrate.WorkDir},
		Image:                    image,
		DeviceConfigBlobHandle:   deviceConfigHandle,
		NetworkConfigFileHandles: networkHandles,
		LogSink:                  cfg.Migrate.Log.Drive,
		FlashMode:                flashMode,
		Debug: handoff.DebugFlags{
			NoFlash: cfg.Debug.SkipFlash || cfg.Debug.NoFlash,
		},
	}
	if cfg.Balena.API.Check {
		descriptor.PostFlashCheckURL = fmt.Sprintf("http://%s:%d/ping", cfg.Balena.API.Host, cfg.Balena.API.Port)
		descriptor.PostFlashCheckTimeoutS = cfg.Balena.CheckTimeout
	}
	for _, w := range cfg.Migrate.Watchdogs {
		descriptor.Debug.WatchdogHandles = append(descriptor.Debug.WatchdogHandles, handoff.WatchdogHandle{
			Path:     w.Path,
			Interval: w.Interval,
			Close:    w.Close,
		})
	}
	return declared, descriptor, nil
}

// classifyStage1Error maps a Stage-1 failure to the exit-code taxonomy
// from spec.md §7: 1 for preconditions rejected before any side effect, 2
// for an install failure that was rolled back (or failed to roll back)
// after Stage-1 had already started mutating boot state.
func classifyStage1Error(err error) int {
	switch {
	case errors.Is(err, stage1.ErrAlreadyRunning),
		errors.Is(err, probe.ErrInsufficientPrivilege),
		errors.Is(err, probe.ErrUnsupportedDevice),
		errors.Is(err, probe.ErrUnsupportedFirmware),
		errors.Is(err, bootmgr.ErrNoViableBootPath),
		errors.Is(err, asset.ErrNoNetworkConfig):
		return 1
	default:
		return 2
	}
}

func stage2RunCommand(opts *runOptionsType) *cli.Command {
	var rootStableID string
	var noFlash bool
	var workMountPoint string
	return &cli.Command{
		Name:  "stage2-run",
		Usage: "run Stage-2 against an already-armed boot area (invoked from the RAM root's init).",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "root-stable-id",
				Usage:       "stable id (PARTUUID/UUID) of the partition carrying the handoff descriptor.",
				Destination: &rootStableID,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "work-mount-point",
				Usage:       "mount point to mount the handoff root partition under.",
				Value:       "/mnt/migrate-root",
				Destination: &workMountPoint,
			},
			&cli.BoolFlag{
				Name:        "no-flash",
				Usage:       "debug: run every state but the destructive FLASH write.",
				Destination: &noFlash,
			},
		},
		Action: func(ctx *cli.Context) error {
			flasher := stage2.New(stage2.Config{
				Resolver: stage2.NewLiveResolver(),
				BootManagers: []bootmgr.Manager{
					bootmgr.NewLegacyMenuManager("/boot"),
					bootmgr.NewUEFIManager("/boot/efi"),
					bootmgr.NewVendorBootManager("/boot/vendor"),
					bootmgr.NewEnvFileManager(new(system.OsCalls)),
				},
				Commander:      new(system.OsCalls),
				WorkMountPoint: workMountPoint,
				NoFlash:        noFlash,
			})
			if err := flasher.Run(rootStableID); err != nil {
				var frErr *stage2.ErrFailRecover
				if errors.As(err, &frErr) {
					return cli.Exit(err, 4)
				}
				return cli.Exit(err, 5)
			}
			return nil
		},
	}
}

func printConfigCommand(opts *runOptionsType) *cli.Command {
	return &cli.Command{
		Name:  "print-config",
		Usage: "write the default migration configuration document to standard output.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "load this `FILE` instead of the built-in defaults, and print the merged result.",
				Destination: &opts.configPath,
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := conf.LoadConfig(opts.configPath, "")
			if err != nil {
				return cli.Exit(err, 1)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func statusCommand(opts *runOptionsType) *cli.Command {
	var dataDir string
	return &cli.Command{
		Name:  "status",
		Usage: "report the outcome of the last recorded migration attempt.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "migration state `DIR`ECTORY.",
				Value:       conf.DefaultMigrationLogPath,
				Destination: &dataDir,
			},
		},
		Action: func(ctx *cli.Context) error {
			store, err := migrationlog.Open(dataDir)
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer store.Close()

			latest, err := store.Latest()
			if err != nil {
				return cli.Exit(err, 1)
			}
			if latest == nil {
				fmt.Println("no migration attempts recorded")
				return nil
			}
			fmt.Printf("stage=%s device_class=%s boot_manager=%s started=%s\n",
				latest.Stage, latest.DeviceClass, latest.BootManagerKind,
				time.Unix(latest.StartedUnix, 0).Format(time.RFC3339))
			if latest.Error != "" {
				fmt.Printf("error=%s\n", latest.Error)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version string and exit.",
		Action: func(ctx *cli.Context) error {
			fmt.Fprintln(ctx.App.Writer, ShowVersion())
			return nil
		},
	}
}
