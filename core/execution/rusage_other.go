//go:build !unix

package execution

import "os"

func maxRSSKB(ps *os.ProcessState) int64 { return 0 }
