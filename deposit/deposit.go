// Package deposit reads and persists deposits: directories holding a
// deposit.properties manifest and exactly one bag with the payload files.
package deposit

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state recorded in the deposit manifest.
type State string

const (
	StateDraft     State = "DRAFT"
	StateSubmitted State = "SUBMITTED"
	StatePublished State = "PUBLISHED"
	StateRejected  State = "REJECTED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the deposit has left the pipeline.
func (s State) Terminal() bool {
	switch s {
	case StatePublished, StateRejected, StateFailed:
		return true
	}
	return false
}

// DataDir is the bag directory holding the payload. Logical paths never
// include it.
const DataDir = "data"

// Deposit is a unit of work for the ingest pipeline.
type Deposit struct {
	ID      uuid.UUID
	Dir     string
	BagDir  string
	Created time.Time

	State            State
	StateDescription string

	// Update is set when the bag declares Is-Version-Of, i.e. the deposit
	// is a new version of a dataset that exists in the remote system.
	Update      bool
	IsVersionOf string

	DOI        string
	URN        string
	BagID      string
	NBN        string
	OtherID    string
	SwordToken string

	Files        map[string]FileEntry
	StateChanges []StateChange

	manifest *Manifest
}

// FileMeta is the target-system metadata of a single file.
type FileMeta struct {
	Label          string
	DirectoryLabel string
	Description    string
	Restricted     bool
}

// FileEntry is one payload file of a deposit.
type FileEntry struct {
	// Path is relative to the bag data directory.
	Path         string
	PhysicalPath string
	Checksum     string
	Metadata     FileMeta
}

// StateChange is one entry of the administrative metadata history that
// migrated deposits carry along.
type StateChange struct {
	From string
	To   string
	Date time.Time
}

// SortedFiles returns the file entries ordered by logical path.
func (d *Deposit) SortedFiles() []FileEntry {
	files := make([]FileEntry, 0, len(d.Files))
	for _, f := range d.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// DeclaresDOI reports whether the deposit brings its own persistent
// identifier.
func (d *Deposit) DeclaresDOI() bool {
	return strings.TrimSpace(d.DOI) != ""
}

// VersionOfUUID returns the bare uuid of the Is-Version-Of reference.
func (d *Deposit) VersionOfUUID() string {
	return strings.TrimPrefix(d.IsVersionOf, "urn:uuid:")
}

// NormalizePath strips the data directory prefix and cleans the path.
func NormalizePath(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	p = strings.TrimPrefix(p, DataDir+"/")
	return p
}

// DefaultMeta derives label and directory label from a logical path.
func DefaultMeta(p string) FileMeta {
	dir, file := path.Split(p)
	return FileMeta{
		Label:          file,
		DirectoryLabel: strings.TrimSuffix(dir, "/"),
	}
}

// LogicalPath rebuilds the logical path from the remote labels.
func LogicalPath(directoryLabel, label string) string {
	if directoryLabel == "" {
		return label
	}
	return strings.TrimSuffix(directoryLabel, "/") + "/" + label
}
