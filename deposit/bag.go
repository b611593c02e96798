package deposit

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const (
	bagInfoFile      = "bag-info.txt"
	payloadManifest  = "manifest-sha1.txt"
	filesXMLFile     = "metadata/files.xml"
	amdXMLFile       = "metadata/amd.xml"
	bagInfoCreated   = "Created"
	bagInfoVersionOf = "Is-Version-Of"
)

// parseBagInfo reads the "Label: value" pairs of bag-info.txt. Indented
// lines continue the previous value.
func parseBagInfo(blob []byte) map[string]string {
	tags := map[string]string{}
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			tags[last] = tags[last] + " " + strings.TrimSpace(line)
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			continue
		}
		last = strings.TrimSpace(line[:i])
		tags[last] = strings.TrimSpace(line[i+1:])
	}
	return tags
}

// parsePayloadManifest reads "<sha1> <path>" lines into logical path ->
// checksum. Only payload entries are accepted.
func parsePayloadManifest(blob []byte) (map[string]string, error) {
	entries := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Errorf("line %d: expected checksum and path", n)
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if !strings.HasPrefix(raw, DataDir+"/") {
			return nil, errors.Errorf("line %d: %q is not a payload path", n, raw)
		}
		p := NormalizePath(raw)
		if _, ok := entries[p]; ok {
			return nil, errors.Errorf("line %d: duplicate path %q", n, p)
		}
		entries[p] = strings.ToLower(fields[0])
	}
	return entries, scanner.Err()
}

type filesXML struct {
	Files []struct {
		Path               string `xml:"filepath,attr"`
		AccessibleToRights string `xml:"accessibleToRights"`
		Description        string `xml:"description"`
	} `xml:"file"`
}

// parseFilesXML returns the file metadata declared for each logical path.
func parseFilesXML(blob []byte) (map[string]FileMeta, error) {
	doc := filesXML{}
	if err := xml.Unmarshal(blob, &doc); err != nil {
		return nil, err
	}
	metas := map[string]FileMeta{}
	for _, f := range doc.Files {
		p := NormalizePath(f.Path)
		meta := DefaultMeta(p)
		meta.Description = strings.TrimSpace(f.Description)
		rights := strings.TrimSpace(f.AccessibleToRights)
		meta.Restricted = rights != "" && rights != "ANONYMOUS"
		metas[p] = meta
	}
	return metas, nil
}

type amdXML struct {
	StateChanges []struct {
		From string `xml:"fromState"`
		To   string `xml:"toState"`
		Date string `xml:"changeDate"`
	} `xml:"stateChangeDates>stateChangeDate"`
}

// parseAmdXML returns the state change history of the administrative
// metadata document.
func parseAmdXML(blob []byte) ([]StateChange, error) {
	doc := amdXML{}
	if err := xml.Unmarshal(blob, &doc); err != nil {
		return nil, err
	}
	changes := make([]StateChange, 0, len(doc.StateChanges))
	for _, c := range doc.StateChanges {
		date, err := cast.ToTimeE(strings.TrimSpace(c.Date))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid change date %q", c.Date)
		}
		changes = append(changes, StateChange{
			From: strings.TrimSpace(c.From),
			To:   strings.TrimSpace(c.To),
			Date: date,
		})
	}
	return changes, nil
}

// parseBagCreated reads the Created tag of bag-info.txt.
func parseBagCreated(tags map[string]string) (time.Time, error) {
	v, ok := tags[bagInfoCreated]
	if !ok || v == "" {
		return time.Time{}, nil
	}
	return cast.ToTimeE(v)
}
