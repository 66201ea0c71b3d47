package video

import (
	"sort"
	"time"

	"chessbuddy/internal/cache"
	"chessbuddy/internal/domain"
)

// Directory is the bounded, expiring index of processed videos.
type Directory struct {
	records *cache.TTL[domain.VideoRecord]
}

func NewDirectory(maxEntries int, ttl time.Duration, clock func() time.Time) *Directory {
	return &Directory{records: cache.New[domain.VideoRecord](cache.Config{
		Name:       "video_directory",
		MaxEntries: maxEntries,
		DefaultTTL: ttl,
		Clock:      clock,
	})}
}

func (d *Directory) Put(rec domain.VideoRecord) { d.records.Set(rec.VideoID, rec) }

func (d *Directory) Get(id string) (domain.VideoRecord, bool) { return d.records.Get(id) }

func (d *Directory) Delete(id string) bool { return d.records.Delete(id) }

// List returns the live records, newest first.
func (d *Directory) List() []domain.VideoRecord {
	entries := d.records.Entries()
	out := make([]domain.VideoRecord, 0, len(entries))
	for _, r := range entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].VideoID < out[j].VideoID
		}
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	return out
}

func (d *Directory) Stats() cache.Stats { return d.records.Stats() }

func (d *Directory) Len() int { return d.records.Len() }
