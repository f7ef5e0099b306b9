package runner

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"accelrun/core/receipt"
	"accelrun/worker"
)

// DefaultMaxBundleArtifactBytes bounds the artifact copy kept in a post-mortem bundle.
const DefaultMaxBundleArtifactBytes int64 = 512 << 20

func (o Options) maxBundleArtifactBytes() int64 {
	if o.MaxBundleArtifactBytes > 0 {
		return o.MaxBundleArtifactBytes
	}
	return DefaultMaxBundleArtifactBytes
}

// writePostMortem preserves what is needed to reproduce a crash or hang: the artifact, the
// request (shapes, driver, device), the worker's stderr and any preliminary result. Core
// files the worker left in the run directory are moved into the bundle. The receipt is added
// by the caller once the bundle path is known.
func writePostMortem(dir string, req worker.Request, rec *receipt.Receipt, maxArtifact int64) (string, error) {
	bundle := filepath.Join(dir, PostMortemDir)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		return "", errors.Wrap(err, "creating post-mortem directory")
	}
	var errs []string
	note := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, name := range []string{worker.RequestFile, worker.ResultFile, worker.StderrFile} {
		if err := copyFile(filepath.Join(dir, name), filepath.Join(bundle, name), -1); err != nil && !errors.Is(err, os.ErrNotExist) {
			note(err)
		}
	}

	if !strings.Contains(req.Artifact, "://") && req.Artifact != "" {
		dst := filepath.Join(bundle, "artifact"+filepath.Ext(req.Artifact))
		note(copyFile(req.Artifact, dst, maxArtifact))
	} else if rec.Artifact != nil {
		note(os.WriteFile(filepath.Join(bundle, "artifact.source"), []byte(req.Artifact+"\n"), 0o644))
	}

	cores, _ := filepath.Glob(filepath.Join(dir, "core*"))
	for _, core := range cores {
		note(os.Rename(core, filepath.Join(bundle, filepath.Base(core))))
	}

	if len(errs) > 0 {
		return bundle, errors.New(strings.Join(errs, "; "))
	}
	return bundle, nil
}

// copyFile copies src to dst; limit < 0 means unlimited.
func copyFile(src, dst string, limit int64) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	if limit >= 0 {
		if st, err := in.Stat(); err == nil && st.Size() > limit {
			return errors.Errorf("%s is %s, over the %s bundle limit", src,
				humanize.IBytes(uint64(st.Size())), humanize.IBytes(uint64(limit)))
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copying %s", src)
	}
	return errors.WithStack(out.Close())
}
