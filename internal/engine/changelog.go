package engine

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const fileAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// Changelog buffers human-readable lines describing what a run did and
// flushes them to a durable file every few batches.
type Changelog struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	pending []string
}

// NewChangelog creates a changelog writing to path on fs. A nil fs disables
// durable flushing.
func NewChangelog(fs afero.Fs, path string) *Changelog {
	return &Changelog{fs: fs, path: path}
}

// Append records one formatted line, timestamped.
func (c *Changelog) Append(format string, args ...any) {
	c.AppendLine(fmt.Sprintf(format, args...))
}

// AppendLine records one preformatted line, timestamped.
func (c *Changelog) AppendLine(line string) {
	stamped := time.Now().UTC().Format(time.RFC3339) + " " + line

	c.mu.Lock()
	c.pending = append(c.pending, stamped)
	c.mu.Unlock()
}

// Flush appends buffered lines to the changelog file.
func (c *Changelog) Flush() error {
	c.mu.Lock()
	lines := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(lines) == 0 || c.fs == nil {
		return nil
	}

	f, err := c.fs.OpenFile(c.path, fileAppendFlags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open changelog: %w", err)
	}
	defer f.Close()

	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("failed to write changelog: %w", err)
		}
	}
	return nil
}
