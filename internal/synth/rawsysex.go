package synth

import (
	"crypto/md5" //nolint:gosec // content addressing, compatible with legacy md5 columns
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	sysexStart = 0xF0
	sysexEnd   = 0xF7
)

// rawSysex is a generic adapter for synths without a dedicated decoder. It
// accepts any well-formed system-exclusive message, hashes the full payload
// and synthesizes names from the program slot.
type rawSysex struct {
	name string
}

// NewRawSysex returns an adapter that treats patches as opaque sysex
// messages under the given synthesizer name.
func NewRawSysex(name string) Adapter {
	return &rawSysex{name: name}
}

func (r *rawSysex) Name() string {
	return r.name
}

func (r *rawSysex) PatchFromData(data []byte, program int) (Patch, bool) {
	_ = program
	if len(data) == 0 {
		return nil, false
	}
	if data[0] == sysexStart && data[len(data)-1] != sysexEnd {
		return nil, false
	}
	return rawPatch{data: data}, true
}

func (r *rawSysex) Fingerprint(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (r *rawSysex) IsDefaultName(name string) bool {
	return strings.HasPrefix(name, "Patch ")
}

func (r *rawSysex) DefaultNameFor(p Patch, program int) string {
	_ = p
	return fmt.Sprintf("Patch %d", program)
}

type rawPatch struct {
	data []byte
}

func (p rawPatch) Data() []byte {
	return p.data
}
