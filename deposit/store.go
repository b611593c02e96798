package deposit

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store reads deposits from and relocates them on a filesystem.
type Store struct {
	fs afero.Afero
}

// NewStore returns a Store operating on fs.
func NewStore(fs afero.Fs) *Store {
	return &Store{fs: afero.Afero{Fs: fs}}
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs.Fs
}

// ReadDeposit loads the deposit found at dir. Structural problems are
// reported as InvalidDepositError.
func (s *Store) ReadDeposit(dir string) (*Deposit, error) {
	blob, err := s.fs.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, InvalidWithError(err, "cannot read %s", ManifestFile)
	}
	manifest, err := ParseManifest(blob)
	if err != nil {
		return nil, InvalidWithError(err, "cannot parse %s", ManifestFile)
	}

	bagDir, err := s.bagDir(dir)
	if err != nil {
		return nil, err
	}

	d := &Deposit{
		Dir:              dir,
		BagDir:           bagDir,
		State:            State(manifest.Get(KeyStateLabel)),
		StateDescription: manifest.Get(KeyStateDescription),
		DOI:              manifest.Get(KeyDOI),
		URN:              manifest.Get(KeyURN),
		BagID:            manifest.Get(KeyDataverseBagID),
		NBN:              manifest.Get(KeyNBN),
		OtherID:          manifest.Get(KeyOtherID),
		SwordToken:       manifest.Get(KeySwordToken),
		manifest:         manifest,
	}

	id := manifest.Get(KeyBagStoreBagID)
	if id == "" {
		id = filepath.Base(dir)
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, InvalidWithError(err, "deposit id %q is not a uuid", id)
	}

	if d.Created, err = manifest.Time(KeyCreationTimestamp); err != nil {
		return nil, InvalidWithError(err, "cannot read creation timestamp")
	}

	blob, err = s.fs.ReadFile(filepath.Join(bagDir, bagInfoFile))
	if err != nil {
		return nil, InvalidWithError(err, "cannot read %s", bagInfoFile)
	}
	tags := parseBagInfo(blob)
	if created, err := parseBagCreated(tags); err != nil {
		return nil, InvalidWithError(err, "invalid %s tag", bagInfoCreated)
	} else if d.Created.IsZero() {
		d.Created = created
	}
	if v := tags[bagInfoVersionOf]; v != "" {
		d.Update = true
		d.IsVersionOf = v
	}

	if d.Files, err = s.readFiles(bagDir); err != nil {
		return nil, err
	}

	if ok, _ := s.fs.Exists(filepath.Join(bagDir, amdXMLFile)); ok {
		blob, err := s.fs.ReadFile(filepath.Join(bagDir, amdXMLFile))
		if err != nil {
			return nil, InvalidWithError(err, "cannot read %s", amdXMLFile)
		}
		if d.StateChanges, err = parseAmdXML(blob); err != nil {
			return nil, InvalidWithError(err, "cannot parse %s", amdXMLFile)
		}
	}

	return d, nil
}

// bagDir returns the only directory found inside the deposit.
func (s *Store) bagDir(dir string) (string, error) {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return "", InvalidWithError(err, "cannot list deposit directory")
	}
	var dirs []string
	for _, info := range infos {
		if info.IsDir() {
			dirs = append(dirs, info.Name())
		}
	}
	if len(dirs) != 1 {
		return "", Invalid("a deposit must contain exactly one directory, found %d", len(dirs))
	}
	return filepath.Join(dir, dirs[0]), nil
}

func (s *Store) readFiles(bagDir string) (map[string]FileEntry, error) {
	blob, err := s.fs.ReadFile(filepath.Join(bagDir, payloadManifest))
	if err != nil {
		return nil, InvalidWithError(err, "cannot read %s", payloadManifest)
	}
	checksums, err := parsePayloadManifest(blob)
	if err != nil {
		return nil, InvalidWithError(err, "invalid %s", payloadManifest)
	}

	metas := map[string]FileMeta{}
	if ok, _ := s.fs.Exists(filepath.Join(bagDir, filesXMLFile)); ok {
		blob, err := s.fs.ReadFile(filepath.Join(bagDir, filesXMLFile))
		if err != nil {
			return nil, InvalidWithError(err, "cannot read %s", filesXMLFile)
		}
		if metas, err = parseFilesXML(blob); err != nil {
			return nil, InvalidWithError(err, "cannot parse %s", filesXMLFile)
		}
	}

	files := make(map[string]FileEntry, len(checksums))
	for p, sum := range checksums {
		meta, ok := metas[p]
		if !ok {
			meta = DefaultMeta(p)
		}
		files[p] = FileEntry{
			Path:         p,
			PhysicalPath: filepath.Join(bagDir, DataDir, filepath.FromSlash(p)),
			Checksum:     sum,
			Metadata:     meta,
		}
	}
	return files, nil
}

// Created returns the creation timestamp declared in the manifest of the
// deposit found at dir without loading the rest of it. The modification
// time of the manifest is used when no timestamp is declared.
func (s *Store) Created(dir string) (time.Time, error) {
	name := filepath.Join(dir, ManifestFile)
	blob, err := s.fs.ReadFile(name)
	if err != nil {
		return time.Time{}, err
	}
	manifest, err := ParseManifest(blob)
	if err != nil {
		return time.Time{}, err
	}
	t, err := manifest.Time(KeyCreationTimestamp)
	if err != nil || !t.IsZero() {
		return t, err
	}
	info, err := s.fs.Stat(name)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// SaveManifest writes the lifecycle state and the identifiers of d back
// into its manifest.
func (s *Store) SaveManifest(d *Deposit) error {
	m := d.manifest
	if m == nil {
		m = NewManifest()
		d.manifest = m
	}
	values := [][2]string{
		{KeyStateLabel, string(d.State)},
		{KeyStateDescription, d.StateDescription},
	}
	if d.DOI != "" {
		values = append(values, [2]string{KeyDOI, d.DOI})
	}
	if d.URN != "" {
		values = append(values, [2]string{KeyURN, d.URN})
	}
	for _, kv := range values {
		if err := m.Set(kv[0], kv[1]); err != nil {
			return err
		}
	}
	blob, err := m.Bytes()
	if err != nil {
		return errors.Wrap(err, "cannot encode manifest")
	}
	return s.fs.WriteFile(filepath.Join(d.Dir, ManifestFile), blob, 0644)
}

// MoveDeposit relocates the deposit directory into outbox with a single
// rename so that a concurrent watcher never observes a partial move.
func (s *Store) MoveDeposit(dir, outbox string) (string, error) {
	if err := s.fs.MkdirAll(outbox, 0755); err != nil {
		return "", errors.Wrapf(err, "cannot create outbox %s", outbox)
	}
	dest := filepath.Join(outbox, filepath.Base(dir))
	if ok, _ := s.fs.Exists(dest); ok {
		return "", errors.Errorf("%s already exists", dest)
	}
	if err := s.fs.Rename(dir, dest); err != nil {
		return "", errors.Wrapf(err, "cannot move %s to %s", dir, outbox)
	}
	return dest, nil
}

// ListDeposits returns the deposit directories found in inbox, oldest
// first. Directories without a manifest are still being written and are
// left out.
func (s *Store) ListDeposits(inbox string) ([]string, error) {
	infos, err := s.fs.ReadDir(inbox)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list %s", inbox)
	}
	type item struct {
		dir     string
		created time.Time
	}
	var items []item
	for _, info := range infos {
		if !info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		dir := filepath.Join(inbox, info.Name())
		created, err := s.Created(dir)
		if os.IsNotExist(errors.Cause(err)) {
			continue
		}
		if err != nil {
			// Unreadable manifests still go through the pipeline so they
			// end up in the failed outbox.
			created = info.ModTime()
		}
		items = append(items, item{dir: dir, created: created})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].created.Equal(items[j].created) {
			return items[i].dir < items[j].dir
		}
		return items[i].created.Before(items[j].created)
	})
	dirs := make([]string, len(items))
	for i, it := range items {
		dirs[i] = it.dir
	}
	return dirs, nil
}
