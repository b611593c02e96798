package ingest

import (
	"path"
	"sort"
	"time"
)

// DefaultHousekeepingFile is never embargoed.
const DefaultHousekeepingFile = "original-metadata.zip"

// EmbargoRequest restricts access to files until DateAvailable.
type EmbargoRequest struct {
	DateAvailable string
	FileIDs       []int64
}

// ComputeEmbargo returns the embargo to apply to the given files, or nil
// when the release date is not after today or there are no files. Both
// times are compared as UTC calendar days. Embargoing a date in the past is
// meaningless, it is not an error.
func ComputeEmbargo(now, releaseDate time.Time, fileIDs []int64) *EmbargoRequest {
	if releaseDate.IsZero() || len(fileIDs) == 0 {
		return nil
	}
	release := utcDay(releaseDate)
	if !release.After(utcDay(now)) {
		return nil
	}
	ids := make([]int64, len(fileIDs))
	copy(ids, fileIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &EmbargoRequest{
		DateAvailable: release.Format("2006-01-02"),
		FileIDs:       ids,
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// embargoCandidates returns the ids of the given files leaving the
// housekeeping file out.
func embargoCandidates(added map[int64]string, housekeeping string) []int64 {
	ids := make([]int64, 0, len(added))
	for id, p := range added {
		if housekeeping != "" && path.Base(p) == housekeeping {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
