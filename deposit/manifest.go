package deposit

import (
	"bytes"
	"time"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// ManifestFile is the name of the deposit manifest.
const ManifestFile = "deposit.properties"

// Manifest keys.
const (
	KeyStateLabel        = "state.label"
	KeyStateDescription  = "state.description"
	KeyCreationTimestamp = "creation.timestamp"
	KeyBagStoreBagID     = "bag-store.bag-id"
	KeyDataverseBagID    = "dataverse.bag-id"
	KeySwordToken        = "dataverse.sword-token"
	KeyNBN               = "dataverse.nbn"
	KeyOtherID           = "dataverse.other-id"
	KeyDOI               = "identifier.doi"
	KeyURN               = "identifier.urn"
	KeyOrigin            = "deposit.origin"
)

// Manifest is the flat key-value document describing the declared state of
// a deposit. Keys it does not know about are preserved on save.
type Manifest struct {
	p *properties.Properties
}

// ParseManifest decodes a deposit.properties document.
func ParseManifest(blob []byte) (*Manifest, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(blob)
	if err != nil {
		return nil, err
	}
	return &Manifest{p: p}, nil
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	p := properties.NewProperties()
	p.DisableExpansion = true
	return &Manifest{p: p}
}

func (m *Manifest) Get(key string) string {
	v, _ := m.p.Get(key)
	return v
}

func (m *Manifest) Set(key, value string) error {
	_, _, err := m.p.Set(key, value)
	return errors.Wrapf(err, "cannot set %s", key)
}

// Time parses a timestamp property. The zero time is returned when the
// property is absent.
func (m *Manifest) Time(key string) (time.Time, error) {
	v, ok := m.p.Get(key)
	if !ok || v == "" {
		return time.Time{}, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "property %s is not a timestamp", key)
	}
	return t, nil
}

// Bytes encodes the manifest.
func (m *Manifest) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.p.Write(&buf, properties.UTF8); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
