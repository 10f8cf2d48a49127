// Package report prints user-facing progress alongside glog's structured
// log, the way the teacher's cli/ourutil.Reportf does for mos's flashing
// commands: every line goes to stderr for the person watching a flash
// session and to glog for anyone later grepping a log file.
package report

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Reportf writes a line to stderr and mirrors it to glog at Info level.
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// Progress reports a running byte count during a long Flash write/erase,
// e.g. "wrote 4096/65536 bytes". iap.Call.ProgressFn takes no arguments,
// so a caller that wants it there wraps Progress in a closure.
func Progress(label string, done, total int) {
	Reportf("%s: %d/%d bytes", label, done, total)
}
