package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/steveyegge/kbsync/internal/db"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts a duration ("36h"), an RFC 3339 time, or a natural
// language expression ("yesterday", "last week") relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

// publishedSince keeps records published at or after t.
func publishedSince(recs []db.FileRecord, t time.Time) []db.FileRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if !r.SyncedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}
