package main

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// lazyProgress draws a byte progress bar the first time a download writes to it, so local
// artifacts print nothing.
type lazyProgress struct {
	w    io.Writer
	once sync.Once
	bar  *progressbar.ProgressBar
}

func newProgress(w io.Writer) io.Writer {
	return &lazyProgress{w: w}
}

func (p *lazyProgress) Write(b []byte) (int, error) {
	p.once.Do(func() {
		p.bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(p.w, "\n") }),
		)
	})
	return p.bar.Write(b)
}
