// Package monitor is the `monitor` command table plumbing (spec.md §4.1,
// §6): looking up a named sub-command, whether it's one of a handful of
// global commands (list targets, help) or one a family driver registered
// on the currently attached target, and running it. Splitting the raw
// `monitor <line>` text into a command name and argument words is
// explicitly the GDB remote-serial-protocol front-end's job, not this
// package's (spec.md Non-goals) -- Dispatch always takes an already-
// tokenized name and args.
package monitor

import (
	"sort"

	"github.com/juju/errors"

	"github.com/blackmagic-debug/probecore/common/report"
	"github.com/blackmagic-debug/probecore/target"
)

// Command is a global command, not tied to any one family driver.
type Command struct {
	Name    string
	Help    string
	Handler func(d *Dispatcher, args []string) bool
}

// Dispatcher routes a tokenized monitor command to either a global
// command or the active target's registered commands.
type Dispatcher struct {
	List   *target.List
	Active *target.Target // the target `monitor` commands without an explicit target apply to

	globals []Command
}

// NewDispatcher returns a Dispatcher with the built-in global commands
// (targets, help) registered.
func NewDispatcher(list *target.List) *Dispatcher {
	d := &Dispatcher{List: list}
	d.globals = []Command{
		{Name: "targets", Help: "list attached targets", Handler: cmdTargets},
		{Name: "help", Help: "list available monitor commands", Handler: cmdHelp},
	}
	return d
}

// Dispatch runs name with args, preferring a global command, then falling
// back to the active target's own commands. Returns an error only if name
// matches nothing at all; a command that runs but reports failure returns
// (false, nil), mirroring target.Target.RunCommand.
func (d *Dispatcher) Dispatch(name string, args []string) (bool, error) {
	for _, c := range d.globals {
		if c.Name == name {
			return c.Handler(d, args), nil
		}
	}
	if d.Active == nil {
		return false, errors.Errorf("monitor: no active target and no global command named %q", name)
	}
	return d.Active.RunCommand(name, args)
}

// Commands returns every command name reachable right now: the globals
// plus whatever the active target (if any) has registered.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.globals))
	for _, c := range d.globals {
		names = append(names, c.Name)
	}
	if d.Active != nil {
		for _, c := range d.Active.Commands() {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

func cmdTargets(d *Dispatcher, args []string) bool {
	if d.List == nil {
		return true
	}
	for _, t := range d.List.All() {
		marker := " "
		if t == d.Active {
			marker = "*"
		}
		report.Reportf("%s %s (part id 0x%x)", marker, t.DriverName, t.PartID)
	}
	return true
}

func cmdHelp(d *Dispatcher, args []string) bool {
	for _, name := range d.Commands() {
		report.Reportf("%s", name)
	}
	return true
}
