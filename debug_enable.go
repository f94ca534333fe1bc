//go:build urp.debug

package urp

import (
	"fmt"
	"os"
)

// debug writes a diagnostic line to stderr when built with -tags
// urp.debug. It is a no-op build (see debug_disable.go) otherwise, so the
// fmt.Sprintf cost of an unused debug line never lands on production
// builds.
func debug(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "urp: "+format+"\n", args...)
}
