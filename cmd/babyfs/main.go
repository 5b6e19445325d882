package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/babyfs/babyfs/internal/adapter"
	"github.com/babyfs/babyfs/internal/babyfs"
	"github.com/babyfs/babyfs/internal/config"
	"github.com/babyfs/babyfs/internal/vfs"
	"github.com/babyfs/babyfs/pkg/errors"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:        "babyfs",
		Usage:       "format, inspect and mount babyfs devices",
		Description: "DEVICE is a path, file:///path, mem://name or s3://bucket/key",
		Writer:      out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"BABYFS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "TRACE, DEBUG, INFO, WARN or ERROR",
			},
		},
		Commands: []*cli.Command{{
			Name:      "mkfs",
			Usage:     "write an empty babyfs onto a device",
			ArgsUsage: "DEVICE",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "create",
					Usage: "create the image file (size from --size-blocks)",
				},
				&cli.Int64Flag{
					Name:  "size-blocks",
					Usage: "image size in 4096-byte blocks when creating",
				},
				&cli.UintFlag{
					Name:  "inodes",
					Usage: "number of inodes",
					Value: babyfs.DefaultInodes,
				},
			},
			Action: withConfig(func(cfg *config.Configuration, c *cli.Context) error {
				if n := c.Int64("size-blocks"); n > 0 {
					cfg.Device.SizeBlocks = n
				}
				raw, err := adapter.Mkfs(c.Context, cfg.Device, c.Bool("create"), babyfs.FormatOptions{
					Inodes: uint32(c.Uint("inodes")),
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.App.Writer, "formatted %s: %d data blocks, %d inodes\n",
					c.Args().First(), raw.NrDstoreBlocks, raw.NrInodes)
				return err
			}),
		}, {
			Name:      "statfs",
			Usage:     "mount a device and print its statfs numbers",
			ArgsUsage: "DEVICE",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "json", Usage: "print JSON"},
				&cli.BoolFlag{Name: "skip-validation", Usage: "accept any superblock magic"},
			},
			Action: withConfig(func(cfg *config.Configuration, c *cli.Context) error {
				cfg.Mount.MountPoint = ""
				cfg.Mount.ReadOnly = true
				cfg.Mount.SkipValidation = cfg.Mount.SkipValidation || c.Bool("skip-validation")

				a, err := adapter.New(c.Context, cfg)
				if err != nil {
					return err
				}
				if err := a.Start(c.Context); err != nil {
					return err
				}
				st, err := a.Statfs(c.Context)
				if serr := a.Stop(c.Context); err == nil {
					err = serr
				}
				if err != nil {
					return err
				}
				return printStatfs(c.App.Writer, st, c.Bool("json"))
			}),
		}, {
			Name:      "mount",
			Usage:     "mount a device and serve it over FUSE until interrupted",
			ArgsUsage: "DEVICE [MOUNTPOINT]",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "read-only", Aliases: []string{"ro"}, Usage: "mount read-only"},
				&cli.BoolFlag{Name: "skip-validation", Usage: "accept any superblock magic"},
				&cli.BoolFlag{Name: "metrics", Usage: "serve Prometheus metrics"},
				&cli.IntFlag{Name: "metrics-port", Usage: "metrics listen port"},
			},
			Action: withConfig(func(cfg *config.Configuration, c *cli.Context) error {
				if mp := c.Args().Get(1); mp != "" {
					cfg.Mount.MountPoint = mp
				}
				cfg.Mount.ReadOnly = cfg.Mount.ReadOnly || c.Bool("read-only")
				cfg.Mount.SkipValidation = cfg.Mount.SkipValidation || c.Bool("skip-validation")
				if c.Bool("metrics") {
					cfg.Monitoring.Metrics.Enabled = true
				}
				if p := c.Int("metrics-port"); p > 0 {
					cfg.Monitoring.Metrics.Port = p
				}

				ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()

				a, err := adapter.New(ctx, cfg)
				if err != nil {
					return err
				}
				if err := a.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return a.Stop(shutdownCtx)
			}),
		}, {
			Name:  "config",
			Usage: "configuration helpers",
			Subcommands: []*cli.Command{{
				Name:      "init",
				Usage:     "write the default configuration to FILE",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return errors.NewError(errors.ErrCodeInvalidConfig, "config init needs a FILE argument").
							WithComponent("cli")
					}
					return config.NewDefault().SaveToFile(path)
				},
			}},
		}},
	}
}

// withConfig loads the configuration (defaults, then --config, then the
// environment, then flags) and points it at the DEVICE argument.
func withConfig(f func(*config.Configuration, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg := config.NewDefault()
		if path := c.String("config"); path != "" {
			if err := cfg.LoadFromFile(path); err != nil {
				return err
			}
		}
		if err := cfg.LoadFromEnv(); err != nil {
			return err
		}
		if lvl := c.String("log-level"); lvl != "" {
			cfg.Global.LogLevel = lvl
		}

		if dev := c.Args().First(); dev != "" {
			if err := adapter.ApplyDeviceURI(&cfg.Device, dev); err != nil {
				return err
			}
		} else if cfg.Device.Path == "" && cfg.Device.Kind != config.DeviceKindS3 {
			return errors.Newf(errors.ErrCodeInvalidConfig, "%s needs a DEVICE argument", c.Command.Name).
				WithComponent("cli")
		}
		return f(cfg, c)
	}
}

func printStatfs(w io.Writer, st vfs.Statfs, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling statfs to JSON: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "type\t%#08x\n", st.Type)
	fmt.Fprintf(tw, "block size\t%d\n", st.BlockSize)
	fmt.Fprintf(tw, "blocks\t%d\n", st.Blocks)
	fmt.Fprintf(tw, "free\t%d\n", st.BFree)
	fmt.Fprintf(tw, "available\t%d\n", st.BAvail)
	fmt.Fprintf(tw, "inodes\t%d\n", st.Files)
	fmt.Fprintf(tw, "name max\t%d\n", st.NameLen)
	fmt.Fprintf(tw, "fsid\t%s\n", st.FSID)
	return tw.Flush()
}
