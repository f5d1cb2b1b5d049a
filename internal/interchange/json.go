// Package interchange reads and writes the portable JSON patch format used
// to move patches between catalogs. Fields this build does not know are
// carried through untouched, so documents survive a round trip through an
// older version.
package interchange

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/patchvault/internal/catalog"
	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// Document is one patch in the interchange format. Sysex holds the raw
// payload; Place is the program slot as a decimal string, matching the
// legacy files in the wild.
type Document struct {
	Synth string
	Name  string
	Sysex []byte
	Place int
	MD5   string

	extra map[string]json.RawMessage
}

const (
	fieldSynth = "synth"
	fieldName  = "name"
	fieldSysex = "sysex"
	fieldPlace = "place"
	fieldMD5   = "md5"
)

// MarshalJSON writes the known fields over any carried-through unknown
// ones, so editing a document never drops what a newer build wrote.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.extra)+5)
	for k, v := range d.extra {
		out[k] = v
	}

	put := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}
	if err := put(fieldSynth, d.Synth); err != nil {
		return nil, err
	}
	if err := put(fieldName, d.Name); err != nil {
		return nil, err
	}
	if err := put(fieldSysex, base64.StdEncoding.EncodeToString(d.Sysex)); err != nil {
		return nil, err
	}
	if err := put(fieldPlace, strconv.Itoa(d.Place)); err != nil {
		return nil, err
	}
	if err := put(fieldMD5, d.MD5); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the known fields and keeps everything else verbatim.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Document{extra: make(map[string]json.RawMessage)}
	for key, value := range raw {
		switch key {
		case fieldSynth:
			if err := json.Unmarshal(value, &d.Synth); err != nil {
				return fmt.Errorf("interchange: bad %s field: %w", key, err)
			}
		case fieldName:
			if err := json.Unmarshal(value, &d.Name); err != nil {
				return fmt.Errorf("interchange: bad %s field: %w", key, err)
			}
		case fieldSysex:
			var encoded string
			if err := json.Unmarshal(value, &encoded); err != nil {
				return fmt.Errorf("interchange: bad %s field: %w", key, err)
			}
			decoded, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("interchange: bad %s payload: %w", key, err)
			}
			d.Sysex = decoded
		case fieldPlace:
			var place string
			if err := json.Unmarshal(value, &place); err != nil {
				return fmt.Errorf("interchange: bad %s field: %w", key, err)
			}
			n, err := strconv.Atoi(place)
			if err != nil {
				return fmt.Errorf("interchange: bad %s value %q: %w", key, place, err)
			}
			d.Place = n
		case fieldMD5:
			if err := json.Unmarshal(value, &d.MD5); err != nil {
				return fmt.Errorf("interchange: bad %s field: %w", key, err)
			}
		default:
			d.extra[key] = value
		}
	}
	return nil
}

// FromHolder renders a catalog entry as an interchange document.
func FromHolder(p catalog.PatchHolder) Document {
	return Document{
		Synth: p.SynthName(),
		Name:  p.Name,
		Sysex: p.Data,
		Place: p.Program,
		MD5:   p.Fingerprint(),
	}
}

// ToHolder turns a document back into a merge-ready catalog entry. The
// adapter must accept the payload; its fingerprint wins over the document's
// MD5 field, which is informational only.
func ToHolder(d Document, adapter synth.Adapter) (catalog.PatchHolder, error) {
	if adapter == nil {
		return catalog.PatchHolder{}, fmt.Errorf("interchange: no adapter for synth %q", d.Synth)
	}
	patch, ok := adapter.PatchFromData(d.Sysex, d.Place)
	if !ok {
		return catalog.PatchHolder{}, fmt.Errorf("interchange: adapter %s rejected payload of %q", adapter.Name(), d.Name)
	}
	return catalog.PatchHolder{
		Synth:    adapter,
		Name:     d.Name,
		Data:     patch.Data(),
		Favorite: catalog.FavoriteDontKnow,
		Program:  d.Place,
		SourceInfo: catalog.SourceInfo{
			Kind: catalog.SourceKindFile,
		},
	}, nil
}
