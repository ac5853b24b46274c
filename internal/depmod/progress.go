package depmod

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Progress reports discrete units of work completed during a scan.
type Progress interface {
	Add(n int)
	Finish()
}

type noopProgress struct{}

func (noopProgress) Add(int) {}
func (noopProgress) Finish() {}

type barProgress struct {
	bar *progressbar.ProgressBar
}

func (p *barProgress) Add(n int) { p.bar.Add(n) }
func (p *barProgress) Finish()   { p.bar.Finish() }

// NewProgress returns a terminal progress bar describing a scan of
// total items when stderr is a terminal, or a no-op otherwise (piped
// output, CI logs, etc. never see bar control codes).
func NewProgress(total int, description string) Progress {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return noopProgress{}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
	)
	return &barProgress{bar: bar}
}
