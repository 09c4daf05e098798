package imagery

import (
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ProgressWriter creates progress trackers for long footprint runs.
type ProgressWriter interface {
	// NewCountProgress starts a tracker for total rows, or an unknown
	// number of rows when total is -1.
	NewCountProgress(total int64, description string) Progress
}

// Progress is an active tracker.
type Progress interface {
	Add(num int)
	Close() error
}

var (
	progressWriterMu sync.RWMutex
	progressWriter   ProgressWriter = barProgressWriter{}
)

// SetProgressWriter replaces the progress writer used by ReadFootprints.
// Pass nil to disable progress reporting.
func SetProgressWriter(pw ProgressWriter) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	if pw == nil {
		progressWriter = quietProgressWriter{}
	} else {
		progressWriter = pw
	}
}

// SetQuietMode switches between terminal progress bars and no output.
func SetQuietMode(quiet bool) {
	if quiet {
		SetProgressWriter(nil)
	} else {
		SetProgressWriter(barProgressWriter{})
	}
}

func getProgressWriter() ProgressWriter {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return progressWriter
}

type barProgressWriter struct{}

func (barProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &progressBarWrapper{bar: progressbar.Default(total, description)}
}

type progressBarWrapper struct {
	bar *progressbar.ProgressBar
}

func (p *progressBarWrapper) Add(num int) {
	p.bar.Add(num)
}

func (p *progressBarWrapper) Close() error {
	return p.bar.Close()
}

type quietProgressWriter struct{}

func (quietProgressWriter) NewCountProgress(int64, string) Progress {
	return quietProgress{}
}

type quietProgress struct{}

func (quietProgress) Add(int) {}

func (quietProgress) Close() error {
	return nil
}
