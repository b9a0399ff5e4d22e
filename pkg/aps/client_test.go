package aps_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/model-derivative-backend/pkg/aps"
	"github.com/instill-ai/model-derivative-backend/pkg/aps/apstest"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	domainerrors "github.com/instill-ai/model-derivative-backend/pkg/errors"
)

func newClient(srv *apstest.Server, partSize int64) *aps.Client {
	return aps.NewClient(context.Background(), aps.Config{
		Host:         srv.URL,
		ClientID:     srv.ClientID,
		ClientSecret: srv.ClientSecret,
		Scopes:       []string{"data:read", "data:write", "bucket:create"},
		PartSize:     partSize,
		Timeout:      5 * time.Second,
	})
}

func authenticate(c *qt.C, client *aps.Client) types.Credential {
	cred, err := client.Authenticate(context.Background())
	c.Assert(err, qt.IsNil)
	return cred
}

func payload(content []byte, name string) types.Payload {
	return types.Payload{Name: name, Size: int64(len(content)), Reader: bytes.NewReader(content)}
}

func TestAuthenticate(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	before := time.Now()
	cred := authenticate(c, newClient(srv, 0))

	c.Check(cred.AccessToken, qt.Not(qt.Equals), "")
	c.Check(cred.TokenType, qt.Equals, "Bearer")
	c.Check(cred.ExpiresAt.After(before.Add(59*time.Minute)), qt.IsTrue)
	c.Check(cred.Expired(time.Now(), 30*time.Second), qt.IsFalse)
	c.Check(srv.Calls(apstest.OpAuth), qt.Equals, 1)
}

func TestAuthenticate_InvalidClient(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := aps.NewClient(context.Background(), aps.Config{
		Host:         srv.URL,
		ClientID:     "someone-else",
		ClientSecret: "wrong",
	})

	_, err := client.Authenticate(context.Background())
	var authErr *domainerrors.AuthError
	c.Assert(errors.As(err, &authErr), qt.IsTrue)
	c.Check(authErr.StatusCode, qt.Equals, 401)
	c.Check(authErr.Message, qt.Contains, "does not have access")
}

func TestAuthenticate_MissingIdentity(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := aps.NewClient(context.Background(), aps.Config{Host: srv.URL})
	_, err := client.Authenticate(context.Background())

	var authErr *domainerrors.AuthError
	c.Check(errors.As(err, &authErr), qt.IsTrue)
	c.Check(srv.TotalCalls(), qt.Equals, 0)
}

func TestAuthenticate_Unreachable(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	url := srv.URL
	srv.Close()

	client := aps.NewClient(context.Background(), aps.Config{Host: url, ClientID: "id", ClientSecret: "secret"})
	_, err := client.Authenticate(context.Background())

	var authErr *domainerrors.AuthError
	c.Assert(errors.As(err, &authErr), qt.IsTrue)
	c.Check(authErr.StatusCode, qt.Equals, 0)
	c.Check(authErr.Err, qt.IsNotNil)
}

func TestEnsureBucket(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := newClient(srv, 0)
	cred := authenticate(c, client)
	ctx := context.Background()

	c.Run("creates a missing bucket", func(c *qt.C) {
		c.Assert(client.EnsureBucket(ctx, cred, "farm-models"), qt.IsNil)
	})

	c.Run("accepts an existing bucket of this application", func(c *qt.C) {
		c.Assert(client.EnsureBucket(ctx, cred, "farm-models"), qt.IsNil)
		c.Check(srv.Calls(apstest.OpBucketDetails), qt.Equals, 1)
	})

	c.Run("rejects a bucket owned by another application", func(c *qt.C) {
		srv.AddForeignBucket("taken")
		err := client.EnsureBucket(ctx, cred, "taken")
		c.Check(errors.Is(err, &domainerrors.StoreError{Kind: domainerrors.KindConflict}), qt.IsTrue)
	})

	c.Run("reports a rejected credential", func(c *qt.C) {
		err := client.EnsureBucket(ctx, types.Credential{AccessToken: "forged"}, "farm-models")
		c.Check(errors.Is(err, &domainerrors.StoreError{Kind: domainerrors.KindUnauthorized}), qt.IsTrue)
	})
}

func TestUpload(t *testing.T) {
	content := []byte("AC1032 binary drawing content")

	testCases := []struct {
		name     string
		partSize int64
		parts    int
	}{
		{name: "single part", partSize: 0, parts: 1},
		{name: "multiple parts", partSize: 8, parts: 4},
		{name: "part size equal to payload", partSize: int64(len(content)), parts: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := qt.New(t)
			srv := apstest.NewServer()
			c.Cleanup(srv.Close)
			srv.AddBucket("farm-models")

			client := newClient(srv, tc.partSize)
			cred := authenticate(c, client)

			obj, err := client.Upload(context.Background(), cred, "farm-models", "cage 01.dwg", payload(content, "cage 01.dwg"))
			c.Assert(err, qt.IsNil)

			c.Check(obj.BucketKey, qt.Equals, "farm-models")
			c.Check(obj.ObjectKey, qt.Equals, "cage 01.dwg")
			c.Check(obj.ObjectID, qt.Equals, apstest.ObjectID("farm-models", "cage 01.dwg"))
			c.Check(obj.Size, qt.Equals, int64(len(content)))
			c.Check(srv.Calls(apstest.OpPutPart), qt.Equals, tc.parts)

			stored, ok := srv.Object(obj.ObjectID)
			c.Assert(ok, qt.IsTrue)
			c.Check(stored, qt.DeepEquals, content)
		})
	}
}

func TestUpload_ManyPartsAcrossSigningBatches(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)
	srv.AddBucket("farm-models")

	content := bytes.Repeat([]byte("0123456789"), 6) // 60 bytes, 30 parts of 2
	client := newClient(srv, 2)
	cred := authenticate(c, client)

	obj, err := client.Upload(context.Background(), cred, "farm-models", "big.ifc", payload(content, "big.ifc"))
	c.Assert(err, qt.IsNil)

	c.Check(srv.Calls(apstest.OpSignUpload), qt.Equals, 2)
	c.Check(srv.Calls(apstest.OpPutPart), qt.Equals, 30)
	stored, _ := srv.Object(obj.ObjectID)
	c.Check(stored, qt.DeepEquals, content)
}

func TestUpload_Failures(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := newClient(srv, 0)
	cred := authenticate(c, client)
	ctx := context.Background()

	c.Run("missing bucket", func(c *qt.C) {
		_, err := client.Upload(ctx, cred, "nowhere", "a.dwg", payload([]byte("x"), "a.dwg"))
		c.Check(errors.Is(err, &domainerrors.StoreError{Kind: domainerrors.KindTransport}), qt.IsTrue)
	})

	c.Run("rejected credential", func(c *qt.C) {
		srv.AddBucket("farm-models")
		_, err := client.Upload(ctx, types.Credential{AccessToken: "forged"}, "farm-models", "a.dwg", payload([]byte("x"), "a.dwg"))
		c.Check(errors.Is(err, &domainerrors.StoreError{Kind: domainerrors.KindUnauthorized}), qt.IsTrue)
	})

	c.Run("unknown size", func(c *qt.C) {
		_, err := client.Upload(ctx, cred, "farm-models", "a.dwg", types.Payload{Reader: bytes.NewReader(nil), Size: -1})
		c.Check(errors.Is(err, &domainerrors.StoreError{}), qt.IsTrue)
	})
}

func uploadObject(c *qt.C, srv *apstest.Server, client *aps.Client, cred types.Credential) types.StoredObject {
	srv.AddBucket("farm-models")
	obj, err := client.Upload(context.Background(), cred, "farm-models", "pen.rvt", payload([]byte("revit"), "pen.rvt"))
	c.Assert(err, qt.IsNil)
	return obj
}

func TestSubmit_Idempotent(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := newClient(srv, 0)
	cred := authenticate(c, client)
	obj := uploadObject(c, srv, client, cred)

	first, err := client.Submit(context.Background(), cred, obj, types.TargetFormatSVF2)
	c.Assert(err, qt.IsNil)
	second, err := client.Submit(context.Background(), cred, obj, types.TargetFormatSVF2)
	c.Assert(err, qt.IsNil)

	c.Check(first.URN, qt.Equals, aps.EncodeURN(obj.ObjectID))
	c.Check(second.URN, qt.Equals, first.URN)
	c.Check(first.Created, qt.IsTrue)
	c.Check(second.Created, qt.IsFalse)
	c.Check(srv.JobCreations(), qt.Equals, 1)
}

func TestSubmit_UnsupportedFormatMakesNoCall(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := newClient(srv, 0)
	_, err := client.Submit(context.Background(), types.Credential{AccessToken: "t"},
		types.StoredObject{ObjectID: "urn:adsk.objects:os.object:b/o"}, types.TargetFormat("obj"))

	c.Check(errors.Is(err, &domainerrors.SubmitError{Kind: domainerrors.KindUnsupportedFormat}), qt.IsTrue)
	c.Check(srv.TotalCalls(), qt.Equals, 0)
}

func TestPoll(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := newClient(srv, 0)
	cred := authenticate(c, client)
	obj := uploadObject(c, srv, client, cred)
	job, err := client.Submit(context.Background(), cred, obj, types.TargetFormatSVF)
	c.Assert(err, qt.IsNil)

	st, err := client.Poll(context.Background(), cred, job.URN)
	c.Assert(err, qt.IsNil)
	c.Check(st.State, qt.Equals, types.JobStateInProgress)
	c.Check(st.Progress, qt.Equals, 0.5)

	st, err = client.Poll(context.Background(), cred, job.URN)
	c.Assert(err, qt.IsNil)
	c.Check(st.State, qt.Equals, types.JobStateSucceeded)
	c.Check(st.Progress, qt.Equals, 1.0)
}

func TestPoll_Failed(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)
	srv.Configure(func(s *apstest.Server) {
		s.Manifests = []string{apstest.StatusFailed}
		s.FailureMessages = []string{"Unrecoverable exit code from extractor: -1073741831"}
	})

	client := newClient(srv, 0)
	cred := authenticate(c, client)
	obj := uploadObject(c, srv, client, cred)
	job, err := client.Submit(context.Background(), cred, obj, types.TargetFormatSVF2)
	c.Assert(err, qt.IsNil)

	st, err := client.Poll(context.Background(), cred, job.URN)
	c.Assert(err, qt.IsNil)
	c.Check(st.State, qt.Equals, types.JobStateFailed)
	c.Assert(st.Messages, qt.HasLen, 1)
	c.Check(st.Messages[0].Level, qt.Equals, "error")
	c.Check(st.Messages[0].Message, qt.Contains, "Unrecoverable exit code")
}

func TestPoll_Errors(t *testing.T) {
	c := qt.New(t)
	srv := apstest.NewServer()
	c.Cleanup(srv.Close)

	client := newClient(srv, 0)
	cred := authenticate(c, client)

	_, err := client.Poll(context.Background(), cred, aps.EncodeURN("urn:adsk.objects:os.object:b/missing"))
	c.Check(errors.Is(err, &domainerrors.PollError{Kind: domainerrors.KindNotFound}), qt.IsTrue)

	srv.Configure(func(s *apstest.Server) { s.FailPolls = 1 })
	_, err = client.Poll(context.Background(), cred, "anything")
	c.Check(errors.Is(err, &domainerrors.PollError{Kind: domainerrors.KindTransport}), qt.IsTrue)

	_, err = client.Poll(context.Background(), types.Credential{AccessToken: "forged"}, "anything")
	c.Check(errors.Is(err, &domainerrors.PollError{Kind: domainerrors.KindUnauthorized}), qt.IsTrue)
}

func TestEncodeURN(t *testing.T) {
	c := qt.New(t)

	id := "urn:adsk.objects:os.object:farm-models/cage 01.dwg"
	urn := aps.EncodeURN(id)
	c.Check(urn, qt.Not(qt.Contains), "=")
	c.Check(urn, qt.Not(qt.Contains), "/")
	c.Check(urn, qt.Not(qt.Contains), "+")

	decoded, err := base64.RawURLEncoding.DecodeString(urn)
	c.Assert(err, qt.IsNil)
	c.Check(string(decoded), qt.Equals, id)
}

func TestValidateBucketKey(t *testing.T) {
	c := qt.New(t)

	for _, key := range []string{"abc", "partition-a", "site_1.models"} {
		c.Check(aps.ValidateBucketKey(key), qt.IsNil, qt.Commentf(key))
	}
	for _, key := range []string{"", "ab", "Partition-A", "site/a", string(bytes.Repeat([]byte("a"), 129))} {
		err := aps.ValidateBucketKey(key)
		c.Check(errors.Is(err, domainerrors.ErrInvalidArgument), qt.IsTrue, qt.Commentf(key))
	}
}
