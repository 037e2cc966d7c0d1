package task

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	DispositionProcessed = "processed"
	DispositionFailed    = "failed"
	DispositionSkipped   = "skipped"
)

// WorkItem is one unit of work: an image source (remote URL or local file
// path) and the path its recognition result should be written to.
type WorkItem struct {
	Source      string
	Destination string
}

// ParseList reads a task list of the form:
//
//	<URL or file path to image> <filename/for/response.json>
//
// one record per line, fields separated by whitespace. Blank lines are
// ignored.
func ParseList(r io.Reader) ([]WorkItem, error) {
	var items []WorkItem
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected <source> <destination>, got %d fields", lineno, len(fields))
		}
		items = append(items, WorkItem{Source: fields[0], Destination: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Limit truncates items to at most n. n <= 0 means no limit.
func Limit(items []WorkItem, n int) []WorkItem {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// Counts tracks run outcomes across concurrent pipelines.
type Counts struct {
	mu        sync.Mutex
	processed int
	failed    int
	skipped   int
}

func (c *Counts) Add(disposition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch disposition {
	case DispositionProcessed:
		c.processed++
	case DispositionFailed:
		c.failed++
	case DispositionSkipped:
		c.skipped++
	}
}

func (c *Counts) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{Processed: c.processed, Failed: c.failed, Skipped: c.skipped}
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Processed int
	Failed    int
	Skipped   int
}

func (s Summary) Total() int { return s.Processed + s.Failed + s.Skipped }
