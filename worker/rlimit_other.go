//go:build !unix

package worker

import "github.com/pkg/errors"

func enableCoreDumps() error {
	return errors.New("core dumps are not supported on this platform")
}
