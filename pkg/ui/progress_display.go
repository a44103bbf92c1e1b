package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressDisplay renders a single progress bar over the download phase
// and prints per-item lines in verbose mode
type ProgressDisplay struct {
	mu         sync.Mutex
	out        io.Writer
	username   string
	bar        *progressbar.ProgressBar
	total      int
	downloaded int
	skipped    int
	failed     int
	bytes      int64
	startTime  time.Time
	verbose    bool
	visible    bool
}

// NewProgressDisplay creates a display writing to out. With visible false
// nothing but failures is printed.
func NewProgressDisplay(username string, out io.Writer, visible, verbose bool) *ProgressDisplay {
	if out == nil {
		out = Output
	}
	return &ProgressDisplay{
		out:       out,
		username:  username,
		startTime: time.Now(),
		verbose:   verbose,
		visible:   visible,
	}
}

// Start sizes the bar for total pending images
func (p *ProgressDisplay) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.startTime = time.Now()

	w := p.out
	if !p.visible {
		w = io.Discard
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(p.username),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "━",
			SaucerHead:    "━",
			SaucerPadding: "─",
			BarStart:      "",
			BarEnd:        "",
		}),
	)
}

// ImageDownloaded advances the bar for a written image
func (p *ProgressDisplay) ImageDownloaded(id string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded++
	p.bytes += size
	if p.verbose {
		p.line(fmt.Sprintf("%s %s %s", Green("✓"), id, Dim(FormatSize(size))))
	}
	p.advance()
}

// ImageSkipped advances the bar for an image recorded earlier
func (p *ProgressDisplay) ImageSkipped(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.skipped++
	p.advance()
}

// ImageFailed advances the bar and reports the failure
func (p *ProgressDisplay) ImageFailed(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failed++
	p.line(fmt.Sprintf("%s %s: %v", Red("✗"), id, err))
	p.advance()
}

// SequenceProcessed reports a finished post-processing step
func (p *ProgressDisplay) SequenceProcessed(id, archive string, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case failures > 0:
		p.line(fmt.Sprintf("%s sequence %s: %d post-processing errors", Yellow("⚠"), id, failures))
	case p.verbose && archive != "":
		p.line(fmt.Sprintf("%s sequence %s → %s", Magenta("→"), id, archive))
	}
}

// Finish closes the bar
func (p *ProgressDisplay) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil && !p.bar.IsFinished() {
		p.bar.Finish()
	}
}

// Rate returns images written per minute so far
func (p *ProgressDisplay) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startTime).Minutes()
	if elapsed == 0 {
		return 0
	}
	return float64(p.downloaded) / elapsed
}

func (p *ProgressDisplay) advance() {
	if p.bar == nil {
		return
	}
	p.bar.Describe(fmt.Sprintf("%s %s", p.username, FormatSize(p.bytes)))
	p.bar.Add(1)
}

// line prints msg above the bar
func (p *ProgressDisplay) line(msg string) {
	if p.bar != nil && p.visible {
		p.bar.Clear()
	}
	fmt.Fprintln(p.out, msg)
}
