package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// DepositFixture describes a deposit directory to be written by
// WriteDeposit.
type DepositFixture struct {
	ID         string
	Created    time.Time
	Properties map[string]string

	// BagInfo tags, e.g. Is-Version-Of.
	BagInfo map[string]string

	// Files maps logical paths (without "data/") to their content.
	Files map[string]string

	FilesXML   string
	AmdXML     string
	DatasetDoc string

	// ExtraDirs adds directories next to the bag.
	ExtraDirs []string
}

// SHA1 returns the hex encoded SHA-1 digest of s.
func SHA1(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WriteDeposit writes the fixture into parent and returns the deposit
// directory.
func WriteDeposit(t *testing.T, fs afero.Fs, parent string, f DepositFixture) string {
	t.Helper()

	a := afero.Afero{Fs: fs}
	dir := filepath.Join(parent, f.ID)
	bag := filepath.Join(dir, "bag")

	write := func(name, content string) {
		t.Helper()
		if err := a.MkdirAll(filepath.Dir(name), 0755); err != nil {
			t.Fatalf("cannot create directory for %s: %v", name, err)
		}
		if err := a.WriteFile(name, []byte(content), 0644); err != nil {
			t.Fatalf("cannot write %s: %v", name, err)
		}
	}

	props := map[string]string{
		"bag-store.bag-id": f.ID,
		"state.label":      "SUBMITTED",
	}
	if !f.Created.IsZero() {
		props["creation.timestamp"] = f.Created.Format(time.RFC3339)
	}
	for k, v := range f.Properties {
		props[k] = v
	}
	write(filepath.Join(dir, "deposit.properties"), joinSorted(props, "="))

	info := map[string]string{}
	if !f.Created.IsZero() {
		info["Created"] = f.Created.Format(time.RFC3339)
	}
	for k, v := range f.BagInfo {
		info[k] = v
	}
	write(filepath.Join(bag, "bagit.txt"), "BagIt-Version: 0.97\nTag-File-Character-Encoding: UTF-8\n")
	write(filepath.Join(bag, "bag-info.txt"), joinSorted(info, ": "))

	var manifest []string
	for p, content := range f.Files {
		write(filepath.Join(bag, "data", filepath.FromSlash(p)), content)
		manifest = append(manifest, fmt.Sprintf("%s  data/%s", SHA1(content), p))
	}
	sort.Strings(manifest)
	write(filepath.Join(bag, "manifest-sha1.txt"), strings.Join(manifest, "\n")+"\n")

	if f.FilesXML != "" {
		write(filepath.Join(bag, "metadata", "files.xml"), f.FilesXML)
	}
	if f.AmdXML != "" {
		write(filepath.Join(bag, "metadata", "amd.xml"), f.AmdXML)
	}
	if f.DatasetDoc != "" {
		write(filepath.Join(bag, "metadata", "dataset.json"), f.DatasetDoc)
	}
	for _, extra := range f.ExtraDirs {
		if err := a.MkdirAll(filepath.Join(dir, extra), 0755); err != nil {
			t.Fatalf("cannot create %s: %v", extra, err)
		}
	}

	return dir
}

func joinSorted(m map[string]string, sep string) string {
	lines := make([]string, 0, len(m))
	for k, v := range m {
		lines = append(lines, k+sep+v)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

// TempFs returns a filesystem rooted at a temporary directory of the OS.
// Directory renames need a real filesystem, the in-memory one does not move
// children along with their parent.
func TempFs(t *testing.T) afero.Fs {
	t.Helper()
	return afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

func (c *Clock) Now() time.Time { return c.T }
