package bench

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// bar is a progress bar shared by the workers of one benchmark.
type bar struct {
	pb *progressbar.ProgressBar
}

func newBar(w io.Writer, description string, max int) *bar {
	pb := progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("ops"),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	_ = pb.Set(0)
	return &bar{pb: pb}
}

func (b *bar) add(n int) { _ = b.pb.Add(n) }

func (b *bar) finish() {
	_ = b.pb.Finish()
	_ = b.pb.Close()
}
