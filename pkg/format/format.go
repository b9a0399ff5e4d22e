// Package format resolves an uploaded model to the way it can be handled:
// converted by the remote service, rendered directly by a client viewer, or
// unpacked as a project archive. Resolution happens once per conversion,
// from the file name, instead of being re-derived by every consumer.
package format

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/instill-ai/model-derivative-backend/pkg/errors"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

// Kind is the family of a model file.
type Kind string

// Supported model kinds.
const (
	KindDWG  Kind = "dwg"
	KindDXF  Kind = "dxf"
	KindRVT  Kind = "rvt"
	KindIPT  Kind = "ipt"
	KindIAM  Kind = "iam"
	KindIFC  Kind = "ifc"
	KindSTEP Kind = "step"
	KindSKP  Kind = "skp"
	KindXB   Kind = "x_b"
	KindIGES Kind = "iges"
	KindAVZ  Kind = "avz"
	KindGLTF Kind = "gltf"
)

// Capability is a way a model kind can be handled.
type Capability uint8

const (
	// RemoteConversion means the conversion service accepts the kind.
	RemoteConversion Capability = 1 << iota
	// DirectView means clients render the file without conversion.
	DirectView
	// Archive means the file bundles other models and must be unpacked.
	Archive
)

func (c Capability) String() string {
	var names []string
	if c&RemoteConversion != 0 {
		names = append(names, "remote-conversion")
	}
	if c&DirectView != 0 {
		names = append(names, "direct-view")
	}
	if c&Archive != 0 {
		names = append(names, "archive")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Profile describes how a model kind is handled.
type Profile struct {
	Kind         Kind
	Label        string
	Extensions   []string
	ContentType  string
	Capabilities Capability
}

// Has reports whether the profile carries capability c.
func (p Profile) Has(c Capability) bool {
	return p.Capabilities&c == c
}

var profiles = []Profile{
	{Kind: KindDWG, Label: "AutoCAD Drawing", Extensions: []string{"dwg"}, ContentType: "application/acad", Capabilities: RemoteConversion},
	{Kind: KindDXF, Label: "AutoCAD DXF", Extensions: []string{"dxf"}, ContentType: "image/vnd.dxf", Capabilities: RemoteConversion},
	{Kind: KindRVT, Label: "Revit Project", Extensions: []string{"rvt"}, ContentType: "application/octet-stream", Capabilities: RemoteConversion},
	{Kind: KindIPT, Label: "Inventor Part", Extensions: []string{"ipt"}, ContentType: "application/octet-stream", Capabilities: RemoteConversion},
	{Kind: KindIAM, Label: "Inventor Assembly", Extensions: []string{"iam"}, ContentType: "application/octet-stream", Capabilities: RemoteConversion},
	{Kind: KindIFC, Label: "Industry Foundation Classes", Extensions: []string{"ifc"}, ContentType: "application/x-step", Capabilities: RemoteConversion},
	{Kind: KindSTEP, Label: "STEP File", Extensions: []string{"step", "stp"}, ContentType: "model/step", Capabilities: RemoteConversion | DirectView},
	{Kind: KindSKP, Label: "SketchUp Model", Extensions: []string{"skp"}, ContentType: "application/vnd.sketchup.skp", Capabilities: RemoteConversion | DirectView},
	{Kind: KindXB, Label: "Parasolid Binary", Extensions: []string{"x_b"}, ContentType: "application/octet-stream", Capabilities: DirectView},
	{Kind: KindIGES, Label: "IGES File", Extensions: []string{"iges", "igs"}, ContentType: "model/iges", Capabilities: RemoteConversion},
	{Kind: KindAVZ, Label: "AquaSim Project Archive", Extensions: []string{"avz"}, ContentType: "application/zip", Capabilities: Archive},
	{Kind: KindGLTF, Label: "glTF Model", Extensions: []string{"gltf", "glb"}, ContentType: "model/gltf-binary", Capabilities: DirectView},
}

var byExtension = func() map[string]Profile {
	m := make(map[string]Profile)
	for _, p := range profiles {
		for _, ext := range p.Extensions {
			m[ext] = p
		}
	}
	return m
}()

// Resolve returns the profile of the model named filename.
func Resolve(filename string) (Profile, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return Profile{}, fmt.Errorf("%w: file %q has no extension", errors.ErrInvalidArgument, filename)
	}

	p, ok := byExtension[ext]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unsupported extension %q", errors.ErrInvalidArgument, ext)
	}
	return p, nil
}

// Extensions returns the sorted list of extensions with capability c.
func Extensions(c Capability) []string {
	var exts []string
	for ext, p := range byExtension {
		if p.Has(c) {
			exts = append(exts, ext)
		}
	}
	sort.Strings(exts)
	return exts
}

// ParseTargetFormat validates an output format requested by a client. An
// empty string selects fallback.
func ParseTargetFormat(s string, fallback types.TargetFormat) (types.TargetFormat, error) {
	if s == "" {
		s = string(fallback)
	}

	f := types.TargetFormat(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", &errors.SubmitError{
			Kind:    errors.KindUnsupportedFormat,
			Message: fmt.Sprintf("target format %q", s),
		}
	}
	return f, nil
}
