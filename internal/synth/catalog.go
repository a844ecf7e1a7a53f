package synth

import (
	"context"
	"log/slog"
)

const DefaultPageSize = 10

// Catalog is the list of voice descriptors captured at startup. It never
// changes afterwards.
type Catalog struct {
	lines []string
}

func NewCatalog(lines []string) *Catalog {
	return &Catalog{lines: append([]string(nil), lines...)}
}

// LoadCatalog queries the synthesizer once. A failure is logged and yields an
// empty catalog.
func LoadCatalog(ctx context.Context, s Synthesizer, log *slog.Logger) *Catalog {
	lines, err := s.ListVoices(ctx)
	if err != nil {
		log.Warn("failed to list synthesizer voices", slog.String("error", err.Error()))
		return NewCatalog(nil)
	}
	log.Info("voice catalog loaded", slog.Int("lines", len(lines)))
	return NewCatalog(lines)
}

func (c *Catalog) Len() int { return len(c.lines) }

// Pages splits the catalog into chunks of at most size lines.
func (c *Catalog) Pages(size int) [][]string {
	if size <= 0 {
		size = DefaultPageSize
	}
	var pages [][]string
	for start := 0; start < len(c.lines); start += size {
		end := min(start+size, len(c.lines))
		pages = append(pages, append([]string(nil), c.lines[start:end]...))
	}
	return pages
}
