package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// localPath resolves source to a readable local file, downloading remote sources into the cache.
func localPath(ctx context.Context, source string, opts Options) (string, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return source, nil
	}
	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "gs":
		dest, err := cachePath(opts, source, u.Path)
		if err != nil {
			return "", err
		}
		if err := downloadGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), dest, opts.maxBytes(), opts.Progress); err != nil {
			return "", err
		}
		return dest, nil
	case "http", "https":
		dest, err := cachePath(opts, source, u.Path)
		if err != nil {
			return "", err
		}
		if err := downloadHTTP(ctx, opts.HTTPClient, source, dest, opts.maxBytes(), opts.Progress); err != nil {
			return "", err
		}
		return dest, nil
	}
	return "", errors.Errorf("unsupported executable source scheme %q", u.Scheme)
}

func cachePath(opts Options, source, objectPath string) (string, error) {
	dir := opts.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "accelrun-cache")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating cache dir %s", dir)
	}
	base := filepath.Base(objectPath)
	if base == "." || base == "/" {
		base = "executable"
	}
	// The source digest keeps distinct URLs with the same basename apart.
	return filepath.Join(dir, Digest([]byte(source))[:16]+"-"+base), nil
}

func downloadGCS(ctx context.Context, bucket, object, dest string, limit int64, progress io.Writer) error {
	log := klog.FromContext(ctx)
	gcsURL := "gs://" + bucket + "/" + object

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("downloading executable from GCS", "source", gcsURL, "destination", dest)
	startedAt := time.Now()
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("executable %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()
	if size := r.Attrs.Size; size > limit {
		return fmt.Errorf("executable %q is %s, limit %s: %w", gcsURL,
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit)), ErrTooLarge)
	}

	n, err := writeToFile(ctx, withProgress(r, progress), dest, limit)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}
	log.Info("downloaded executable from GCS", "source", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func downloadHTTP(ctx context.Context, client *http.Client, source, dest string, limit int64, progress io.Writer) error {
	log := klog.FromContext(ctx)
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	log.Info("downloading executable", "url", source, "destination", dest)
	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("executable %q not found: %w", source, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading %q: %v", source, resp.Status)
	}
	if resp.ContentLength > limit {
		return fmt.Errorf("executable %q is %s, limit %s: %w", source,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(limit)), ErrTooLarge)
	}

	n, err := writeToFile(ctx, withProgress(resp.Body, progress), dest, limit)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", source, err)
	}
	log.Info("downloaded executable", "url", source, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func withProgress(r io.Reader, progress io.Writer) io.Reader {
	if progress == nil {
		return r
	}
	return io.TeeReader(r, progress)
}

// writeToFile streams src into a temp file next to dest and renames it into place, so a
// partially downloaded executable is never visible under dest. It stops reading once src
// yields more than limit bytes.
func writeToFile(ctx context.Context, src io.Reader, dest string, limit int64) (int64, error) {
	log := klog.FromContext(ctx)

	tempFile, err := os.CreateTemp(filepath.Dir(dest), "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, io.LimitReader(src, limit+1))
	if err != nil {
		return n, fmt.Errorf("copying from upstream source: %w", err)
	}
	if n > limit {
		return n, fmt.Errorf("more than %s: %w", humanize.Bytes(uint64(limit)), ErrTooLarge)
	}
	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), dest); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false
	return n, nil
}
