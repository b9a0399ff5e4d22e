package format

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/model-derivative-backend/pkg/types"

	domainerrors "github.com/instill-ai/model-derivative-backend/pkg/errors"
)

func TestResolve(t *testing.T) {
	testCases := []struct {
		filename string
		kind     Kind
		remote   bool
		direct   bool
	}{
		{filename: "plant.dwg", kind: KindDWG, remote: true},
		{filename: "PLANT.DWG", kind: KindDWG, remote: true},
		{filename: "cage.stp", kind: KindSTEP, remote: true, direct: true},
		{filename: "cage.step", kind: KindSTEP, remote: true, direct: true},
		{filename: "site.skp", kind: KindSKP, remote: true, direct: true},
		{filename: "net.x_b", kind: KindXB, direct: true},
		{filename: "pen.glb", kind: KindGLTF, direct: true},
		{filename: "project.avz", kind: KindAVZ},
		{filename: "dir.with.dots/part.ipt", kind: KindIPT, remote: true},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			c := qt.New(t)

			p, err := Resolve(tc.filename)
			c.Assert(err, qt.IsNil)
			c.Check(p.Kind, qt.Equals, tc.kind)
			c.Check(p.Has(RemoteConversion), qt.Equals, tc.remote)
			c.Check(p.Has(DirectView), qt.Equals, tc.direct)
		})
	}
}

func TestResolve_Unsupported(t *testing.T) {
	c := qt.New(t)

	_, err := Resolve("notes.txt")
	c.Check(errors.Is(err, domainerrors.ErrInvalidArgument), qt.IsTrue)

	_, err = Resolve("README")
	c.Check(errors.Is(err, domainerrors.ErrInvalidArgument), qt.IsTrue)
}

func TestCapability_String(t *testing.T) {
	c := qt.New(t)

	c.Check(RemoteConversion.String(), qt.Equals, "remote-conversion")
	c.Check((RemoteConversion | DirectView).String(), qt.Equals, "remote-conversion|direct-view")
	c.Check(Capability(0).String(), qt.Equals, "none")
}

func TestExtensions(t *testing.T) {
	c := qt.New(t)

	c.Check(Extensions(Archive), qt.DeepEquals, []string{"avz"})
	c.Check(Extensions(RemoteConversion), qt.Contains, "dwg")
	c.Check(Extensions(RemoteConversion), qt.Not(qt.Contains), "glb")
}

func TestParseTargetFormat(t *testing.T) {
	c := qt.New(t)

	f, err := ParseTargetFormat("", types.TargetFormatSVF2)
	c.Assert(err, qt.IsNil)
	c.Check(f, qt.Equals, types.TargetFormatSVF2)

	f, err = ParseTargetFormat(" SVF ", types.TargetFormatSVF2)
	c.Assert(err, qt.IsNil)
	c.Check(f, qt.Equals, types.TargetFormatSVF)

	_, err = ParseTargetFormat("obj", types.TargetFormatSVF2)
	c.Check(errors.Is(err, &domainerrors.SubmitError{Kind: domainerrors.KindUnsupportedFormat}), qt.IsTrue)
}
