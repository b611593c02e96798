// Package mapping turns the dataset description shipped with a bag into
// the document expected by Dataverse.
package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"

	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
)

// DatasetFile is the location of the dataset description inside the bag.
var DatasetFile = filepath.Join("metadata", "dataset.json")

const vaultBlock = "dansDataVaultMetadata"

// Description is a dataset ready to be sent to Dataverse.
type Description struct {
	// Dataset holds a {"datasetVersion": ...} document.
	Dataset json.RawMessage

	// DateAvailable is zero unless the depositor asked for a later
	// release of the files.
	DateAvailable time.Time
}

// Mapper loads and completes dataset descriptions.
type Mapper struct {
	fs     afero.Afero
	schema *gojsonschema.Schema
	logger logrus.FieldLogger
}

// New returns a Mapper reading bags from fs. schemaFile overrides the
// built-in schema when not empty.
func New(logger logrus.FieldLogger, fs afero.Fs, schemaFile string) (*Mapper, error) {
	m := &Mapper{fs: afero.Afero{Fs: fs}, logger: logger}
	source := defaultSchema
	if schemaFile != "" {
		blob, err := m.fs.ReadFile(schemaFile)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read schema %s", schemaFile)
		}
		source = string(blob)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, errors.Wrap(err, "cannot load schema")
	}
	m.schema = schema
	return m, nil
}

// Map reads the dataset description of d, checks it and adds the vault
// metadata block identifying the deposit. Descriptions that cannot be
// accepted are reported as RejectedDepositError.
func (m *Mapper) Map(ctx context.Context, d *deposit.Deposit) (*Description, error) {
	name := filepath.Join(d.BagDir, DatasetFile)
	blob, err := m.fs.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, deposit.Rejected("bag has no %s", filepath.ToSlash(DatasetFile))
	} else if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", name)
	}

	res, err := m.schema.Validate(gojsonschema.NewStringLoader(string(blob)))
	if err != nil {
		return nil, deposit.RejectedWithError(err, "cannot parse %s", filepath.ToSlash(DatasetFile))
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, deposit.Rejected("invalid dataset description: %s", strings.Join(msgs, "; "))
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, deposit.RejectedWithError(err, "cannot parse %s", filepath.ToSlash(DatasetFile))
	}
	version, ok := doc["datasetVersion"].(map[string]interface{})
	if !ok {
		return nil, deposit.Rejected("dataset description has no datasetVersion object")
	}
	if !hasLicense(version["license"]) {
		return nil, deposit.Rejected("dataset description has no license")
	}

	desc := &Description{}
	if v, ok := doc["dateAvailable"]; ok {
		if desc.DateAvailable, err = cast.ToTimeE(v); err != nil {
			return nil, deposit.RejectedWithError(err, "invalid dateAvailable")
		}
		delete(doc, "dateAvailable")
	}

	blocks, ok := version["metadataBlocks"].(map[string]interface{})
	if !ok {
		return nil, deposit.Rejected("dataset description has no metadataBlocks object")
	}
	blocks[vaultBlock] = mergeVaultFields(blocks[vaultBlock], vaultFields(d))

	if desc.Dataset, err = json.Marshal(doc); err != nil {
		return nil, errors.Wrap(err, "cannot encode dataset description")
	}
	m.logger.WithFields(logrus.Fields{"deposit": d.ID, "dateAvailable": desc.DateAvailable}).Debug("Dataset description mapped")
	return desc, nil
}

func hasLicense(v interface{}) bool {
	switch l := v.(type) {
	case string:
		return strings.TrimSpace(l) != ""
	case map[string]interface{}:
		name, _ := l["name"].(string)
		uri, _ := l["uri"].(string)
		return name != "" || uri != ""
	}
	return false
}

// SwordToken returns the correlation token of the dataset d belongs to.
// Every version of a dataset carries the token of its first deposit.
func SwordToken(d *deposit.Deposit) string {
	if d.SwordToken != "" {
		return d.SwordToken
	}
	if d.Update {
		return "sword:" + d.VersionOfUUID()
	}
	return "sword:" + d.ID.String()
}

// BagID returns the bag identifier recorded in the vault metadata.
func BagID(d *deposit.Deposit) string {
	if d.BagID != "" {
		return d.BagID
	}
	return fmt.Sprintf("urn:uuid:%s", d.ID)
}

type field struct {
	TypeName  string `json:"typeName"`
	Multiple  bool   `json:"multiple"`
	TypeClass string `json:"typeClass"`
	Value     string `json:"value"`
}

func vaultFields(d *deposit.Deposit) []field {
	values := [][2]string{
		{"dansBagId", BagID(d)},
		{"dansSwordToken", SwordToken(d)},
		{"dansNbn", d.NBN},
		{"dansOtherId", d.OtherID},
		{"dansDataversePid", d.DOI},
	}
	fields := make([]field, 0, len(values))
	for _, kv := range values {
		if kv[1] == "" {
			continue
		}
		fields = append(fields, field{TypeName: kv[0], TypeClass: "primitive", Value: kv[1]})
	}
	return fields
}

// mergeVaultFields sets fields on the existing block, replacing those with
// the same type name.
func mergeVaultFields(existing interface{}, fields []field) interface{} {
	block, _ := existing.(map[string]interface{})
	if block == nil {
		block = map[string]interface{}{"displayName": "Data Vault Metadata"}
	}
	replaced := map[string]bool{}
	for _, f := range fields {
		replaced[f.TypeName] = true
	}
	var merged []interface{}
	if current, ok := block["fields"].([]interface{}); ok {
		for _, f := range current {
			if obj, ok := f.(map[string]interface{}); ok {
				if name, _ := obj["typeName"].(string); replaced[name] {
					continue
				}
			}
			merged = append(merged, f)
		}
	}
	for _, f := range fields {
		merged = append(merged, f)
	}
	block["fields"] = merged
	return block
}
