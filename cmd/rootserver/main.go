// Command rootserver boots the capability-based root server: it builds
// the kernel seam, bootstraps CSpace/UT/frame-table state, wires the
// dispatch core, and runs its event loop.
//
// Grounded on nestybox-sysbox-fs/cmd/sysbox-fs/main.go's cli.App shape:
// named flags with defaults, a log-level flag applied to logrus before
// the main Action runs, and construction of every subsystem service in
// app.Action rather than in init().
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/sel4rt/rootserver/cspace"
	"github.com/sel4rt/rootserver/dispatch"
	"github.com/sel4rt/rootserver/frame"
	"github.com/sel4rt/rootserver/internal/mem"
	"github.com/sel4rt/rootserver/kernel"
	"github.com/sel4rt/rootserver/procmgr"
	"github.com/sel4rt/rootserver/ut"
)

const usage = `rootserver

rootserver is a capability-based microkernel root task: it owns the
initial untyped memory pool and CSpace, and brokers every other
process's virtual address space, handle tables, and published server
connections.
`

func main() {
	app := cli.NewApp()
	app.Name = "rootserver"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "top-level-bits",
			Value: 6,
			Usage: "log2 of the root server's own CSpace top-level fan-out",
		},
		cli.IntFlag{
			Name:  "bot-level-bits",
			Value: cspace.BotLvlBits,
			Usage: "log2 of slots per bottom-level CNode",
		},
		cli.IntFlag{
			Name:  "max-handles",
			Value: 256,
			Usage: "per-process handle table capacity",
		},
		cli.IntFlag{
			Name:  "max-handle-caps",
			Value: 64,
			Usage: "process-wide handle-capability table capacity",
		},
		cli.IntFlag{
			Name:  "ring-capacity",
			Value: 32,
			Usage: "notification ring buffer slot count per published server",
		},
		cli.StringFlag{
			Name:  "boot-image-dir",
			Value: "/boot/images",
			Usage: "directory the boot file server serves ELF images from",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (trace, debug, info, warning, error, fatal)",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return fmt.Errorf("log-level %q not recognized: %w", ctx.String("log-level"), err)
		}
		logrus.SetLevel(level)
		return nil
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("rootserver: exiting")
	}
}

func run(ctx *cli.Context) error {
	cfg := dispatch.Config{
		TopLevelBits:  uint(ctx.Int("top-level-bits")),
		BotLevelBits:  uint(ctx.Int("bot-level-bits")),
		MaxHandles:    ctx.Int("max-handles"),
		MaxHandleCaps: ctx.Int("max-handle-caps"),
		RingCapacity:  ctx.Int("ring-capacity"),
	}

	k := kernel.NewSim()

	// Boot hands the root server one large untyped region to carve
	// everything else from (spec.md §4.1 initial bootstrap); here that
	// hand-off is simulated directly rather than read from boot info.
	const bootUntypedSizeBits = 32
	utTable := ut.New(k)
	utTable.AddUntyped(ut.Region{SizeBits: bootUntypedSizeBits})

	rootCNode := kernel.Cap(1)
	if err := k.RetypeUntyped(kernel.UntypedRegion{SizeBits: cfg.TopLevelBits + cfg.BotLevelBits}, kernel.ObjCNode, cfg.TopLevelBits+cfg.BotLevelBits, rootCNode); err != nil {
		return fmt.Errorf("rootserver: bootstrap root cnode: %w", err)
	}
	cs, err := cspace.New(k, utTable, rootCNode, cfg.TopLevelBits, cfg.BotLevelBits)
	if err != nil {
		return fmt.Errorf("rootserver: bootstrap cspace: %w", err)
	}

	rootVSpace, err := bootstrapObject(k, cs, utTable, kernel.ObjVSpace, 0)
	if err != nil {
		return fmt.Errorf("rootserver: bootstrap vspace: %w", err)
	}
	ft := frame.New(k, cs, utTable, rootVSpace)

	rootEP, err := bootstrapObject(k, cs, utTable, kernel.ObjEndpoint, 0)
	if err != nil {
		return fmt.Errorf("rootserver: bootstrap endpoint: %w", err)
	}
	ntfnObj, err := bootstrapObject(k, cs, utTable, kernel.ObjNotification, 0)
	if err != nil {
		return fmt.Errorf("rootserver: bootstrap notification: %w", err)
	}

	images := procmgr.AferoImageReader{FS: afero.NewOsFs(), Root: ctx.String("boot-image-dir")}

	core, err := dispatch.New(cfg, k, cs, utTable, ft, images, rootEP, ntfnObj)
	if err != nil {
		return fmt.Errorf("rootserver: bootstrap dispatch core: %w", err)
	}

	logrus.Info("rootserver: entering dispatch loop")
	core.Run()
	return nil
}

// bootstrapObject allocates a slot and retypes a fresh object of kind
// into it, for the handful of root-server-owned objects that exist
// before any client process does.
func bootstrapObject(k kernel.Syscall, cs *cspace.CSpace, u *ut.Table, kind kernel.ObjectKind, sizeBits uint) (kernel.Cap, error) {
	region, err := u.Alloc(mem.PageBits)
	if err != nil {
		return 0, err
	}
	slot, err := cs.AllocSlot()
	if err != nil {
		u.Free(region)
		return 0, err
	}
	if err := cs.UntypedRetype(region, kind, sizeBits, slot); err != nil {
		u.Free(region)
		return 0, err
	}
	return slot, nil
}
