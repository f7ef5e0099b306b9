//go:build !unix

package sim

import (
	"fmt"
	"os"
)

func fault() {
	fmt.Fprintln(os.Stderr, "fatal error: unexpected signal during runtime execution (simulated device fault)")
	os.Exit(2)
}
