// Command probed is a demonstration harness wiring the probe registry and
// buffered Flash engine to a transport, in the teacher's cli/flash_write.go
// style: parse flags, read an input file, call down into the domain
// packages, report progress, exit non-zero on error. It is explicitly not
// a GDB remote-serial-protocol server (spec.md Non-goals) -- there is no
// wire protocol here, just the target/flash/driver stack driven directly,
// the way the teacher's cli package drives esp/flasher directly from a
// CLI command rather than from a debugger's RSP loop.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	pflag "github.com/spf13/pflag"

	"github.com/blackmagic-debug/probecore/common/multierror"
	"github.com/blackmagic-debug/probecore/common/pflagenv"
	"github.com/blackmagic-debug/probecore/common/report"
	"github.com/blackmagic-debug/probecore/drivers/ch32f1"
	"github.com/blackmagic-debug/probecore/drivers/nrf91"
	"github.com/blackmagic-debug/probecore/drivers/samd"
	"github.com/blackmagic-debug/probecore/drivers/stm32gxx1"
	"github.com/blackmagic-debug/probecore/monitor"
	"github.com/blackmagic-debug/probecore/target"
	"github.com/blackmagic-debug/probecore/transport"
)

const envPrefix = "PROBED_"

var (
	demoFamily  = pflag.String("demo-family", "stm32gxx1", "family driver to simulate against an in-memory target (stm32gxx1, ch32f1, nrf91, samd)")
	writeAddr   = pflag.Uint32("write-addr", 0, "destination address for --write-file")
	writeFile   = pflag.String("write-file", "", "file to program into the target's Flash; '-' reads stdin")
	eraseAll    = pflag.Bool("erase", false, "mass-erase the target before writing")
	monitorCmd  = pflag.String("monitor", "", "run a single monitor command by name (e.g. erase_mass) and exit")
)

// registerFamilyProbes wires every family driver's probe function into
// reg, in the order a real probe front-end would try them: cheap/likely
// families first (spec.md §4.1 notes registration order is the only
// tie-break).
func registerFamilyProbes(reg *target.Registry) {
	reg.Register("stm32gxx1", func(t *target.Target) (bool, error) {
		return false, nil // real silicon identification needs ADIv5 access this demo does not have
	})
	reg.Register("ch32f1", ch32f1.Probe)
}

// buildDemoTarget constructs an in-memory transport.Fake pre-seeded so
// that demoFamily's probe/driver can be exercised end-to-end without real
// hardware, since this repository does not implement the ADIv5 transport
// itself (spec.md Non-goals). Families with a real Probe function go
// through reg.Scan, the same path a hardware front-end would use; the
// others are built directly since they have no standalone identification
// logic of their own.
func buildDemoTarget(reg *target.Registry, family string) (*target.Target, error) {
	switch family {
	case "ch32f1":
		tr := transport.NewFake(64)
		tr.MemWrite32(0x40022000+0x10 /* CR */, 1<<15 /* FLOCK */)
		tr.WriteHook = func(f *transport.Fake, addr uint32, val uint32) {
			if addr == 0x40022000+0x24 /* MODEKEYR */ && val == 0xCDEF89AB /* key2 */ {
				cr, _ := f.MemRead32(0x40022000 + 0x10)
				f.MemWrite32(0x40022000+0x10, cr&^uint32(1<<15))
			}
		}
		t, err := reg.Scan(tr)
		if err != nil {
			return nil, errors.Annotatef(err, "scan")
		}
		if t == nil {
			return nil, errors.Errorf("probed: no registered probe claimed the simulated ch32f1 target")
		}
		return t, nil
	case "stm32gxx1":
		tr := transport.NewFake(64)
		tr.MemWrite32(0x40022014 /* CR */, 1<<31)
		c := &stm32gxx1.Config{
			Variant:   stm32gxx1.VariantG0,
			FPECBase:  0x40022000,
			PageSize:  2048,
			NumPages:  64,
			FlashBase: 0x08000000,
		}
		t := &target.Target{DriverName: "stm32gxx1", Transport: tr, Driver: stm32gxx1.Driver{}, DriverPriv: c}
		t.AddFlash(stm32gxx1.NewRegion(t, c))
		t.AddCommands(stm32gxx1.Commands(), "stm32gxx1")
		return t, nil
	case "nrf91":
		tr := transport.NewFake(64)
		tr.MemWrite32(0x50039000+0x400, 1)
		c := &nrf91.Config{PageSize: 4096, NumPages: 256, FlashBase: 0}
		t := &target.Target{DriverName: "nrf91", Transport: tr, Driver: nrf91.Driver{}, DriverPriv: c}
		t.AddFlash(nrf91.NewRegion(t, c))
		t.AddCommands(nrf91.Commands(), "nrf91")
		return t, nil
	case "samd":
		tr := transport.NewFake(64)
		t := &target.Target{DriverName: "samd", Transport: tr, Driver: samd.Driver{}, DriverPriv: &samd.Config{}}
		t.AddCommands(samd.Commands(), "samd")
		return t, nil
	default:
		return nil, errors.Errorf("probed: unknown --demo-family %q", family)
	}
}

// run returns every error it encounters, not just the first: a failure in
// the main operation and a failure unwinding the target on the way out
// (Detach) are both worth surfacing rather than letting the deferred one
// silently win or silently lose, so they're bundled with multierror.
func run() (retErr error) {
	list := &target.List{}
	var reg target.Registry
	registerFamilyProbes(&reg)

	t, err := buildDemoTarget(&reg, *demoFamily)
	if err != nil {
		return errors.Trace(err)
	}
	list.Add(t)
	if err := t.Attach(); err != nil {
		return errors.Annotatef(err, "attach")
	}
	defer func() {
		if derr := t.Detach(); derr != nil {
			retErr = multierror.Append(retErr, errors.Annotatef(derr, "detach"))
		}
	}()

	d := monitor.NewDispatcher(list)
	d.Active = t

	if *monitorCmd != "" {
		ok, err := d.Dispatch(*monitorCmd, pflag.Args())
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return errors.Errorf("monitor command %q reported failure", *monitorCmd)
		}
		report.Reportf("monitor %s: ok", *monitorCmd)
		return nil
	}

	if *eraseAll {
		if err := t.MassErase(); err != nil {
			return errors.Annotatef(err, "mass erase")
		}
		report.Reportf("mass erase: ok")
	}

	if *writeFile != "" {
		var data []byte
		if *writeFile == "-" {
			data, err = ioutil.ReadAll(os.Stdin)
		} else {
			data, err = ioutil.ReadFile(*writeFile)
		}
		if err != nil {
			return errors.Annotatef(err, "reading %s", *writeFile)
		}
		if err := t.FlashWrite(*writeAddr, data); err != nil {
			return errors.Annotatef(err, "flash write")
		}
		if err := t.FlashComplete(); err != nil {
			return errors.Annotatef(err, "flash complete")
		}
		report.Reportf("wrote %d bytes @ 0x%x", len(data), *writeAddr)
	}

	return nil
}

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	pflagenv.Parse(envPrefix)

	if err := run(); err != nil {
		glog.Errorf("probed: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
