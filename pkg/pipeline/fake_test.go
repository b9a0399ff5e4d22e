package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

type pollResult struct {
	status types.JobStatus
	err    error
}

func inProgress(p float64) pollResult {
	return pollResult{status: types.JobStatus{State: types.JobStateInProgress, Progress: p}}
}

func succeeded() pollResult {
	return pollResult{status: types.JobStatus{State: types.JobStateSucceeded, Progress: 1}}
}

func pollFailure(err error) pollResult {
	return pollResult{err: err}
}

// fakeRemote implements every helper of a run with scripted answers.
type fakeRemote struct {
	mu sync.Mutex

	now      func() time.Time
	tokenTTL time.Duration

	authErr   error
	bucketErr error
	uploadErr error
	submitErr error
	// polls are served in order, the last one repeats.
	polls []pollResult

	// Hooks run before the helper answers.
	onBucket func(ctx context.Context)
	onUpload func(ctx context.Context)
	onPoll   func(ctx context.Context, n int)

	calls  []string
	tokens map[string][]string
	issued int
	polled int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		now:      time.Now,
		tokenTTL: time.Hour,
		polls:    []pollResult{succeeded()},
		tokens:   map[string][]string{},
	}
}

func (f *fakeRemote) services() pipeline.Services {
	return pipeline.Services{Credentials: f, Store: f, Submitter: f, Poller: f}
}

func (f *fakeRemote) record(op string, cred types.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	f.tokens[op] = append(f.tokens[op], cred.AccessToken)
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeRemote) tokensFor(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens[op]...)
}

func (f *fakeRemote) Authenticate(context.Context) (types.Credential, error) {
	f.record("auth", types.Credential{})
	if f.authErr != nil {
		return types.Credential{}, f.authErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return types.Credential{
		AccessToken: fmt.Sprintf("token-%d", f.issued),
		TokenType:   "Bearer",
		ExpiresAt:   f.now().Add(f.tokenTTL),
	}, nil
}

func (f *fakeRemote) EnsureBucket(ctx context.Context, cred types.Credential, _ types.BucketKeyType) error {
	f.record("bucket", cred)
	if f.onBucket != nil {
		f.onBucket(ctx)
	}
	return f.bucketErr
}

func (f *fakeRemote) Upload(ctx context.Context, cred types.Credential, bucketKey types.BucketKeyType, name string, payload types.Payload) (types.StoredObject, error) {
	f.record("upload", cred)
	if f.onUpload != nil {
		f.onUpload(ctx)
	}
	if f.uploadErr != nil {
		return types.StoredObject{}, f.uploadErr
	}

	b, err := io.ReadAll(payload.Reader)
	if err != nil {
		return types.StoredObject{}, err
	}
	return types.StoredObject{
		BucketKey: bucketKey,
		ObjectKey: name,
		ObjectID:  fmt.Sprintf("%s/%s", bucketKey, name),
		Size:      int64(len(b)),
	}, nil
}

func (f *fakeRemote) Submit(_ context.Context, cred types.Credential, obj types.StoredObject, _ types.TargetFormat) (types.ConversionJob, error) {
	f.record("submit", cred)
	if f.submitErr != nil {
		return types.ConversionJob{}, f.submitErr
	}
	return types.ConversionJob{URN: "urn-" + obj.ObjectID, Created: true}, nil
}

func (f *fakeRemote) Poll(ctx context.Context, cred types.Credential, _ types.URNType) (types.JobStatus, error) {
	f.record("poll", cred)

	f.mu.Lock()
	n := f.polled
	f.polled++
	res := f.polls[min(n, len(f.polls)-1)]
	f.mu.Unlock()

	if f.onPoll != nil {
		f.onPoll(ctx, n)
	}
	return res.status, res.err
}

// recorder collects the snapshots delivered to an observer.
type recorder struct {
	mu    sync.Mutex
	snaps []pipeline.Snapshot
	// polling is closed on the first Polling snapshot.
	polling chan struct{}
	once    sync.Once
}

func newRecorder() *recorder {
	return &recorder{polling: make(chan struct{})}
}

func (r *recorder) observe(s pipeline.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()

	if s.Stage == pipeline.Polling {
		r.once.Do(func() { close(r.polling) })
	}
}

func (r *recorder) snapshots() []pipeline.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Snapshot(nil), r.snaps...)
}

// stages returns the visited stages, collapsing repeated Polling
// snapshots.
func (r *recorder) stages() []pipeline.Stage {
	var out []pipeline.Stage
	for _, s := range r.snapshots() {
		if n := len(out); n > 0 && out[n-1] == s.Stage && s.Stage == pipeline.Polling {
			continue
		}
		out = append(out, s.Stage)
	}
	return out
}

func (r *recorder) terminals() int {
	n := 0
	for _, s := range r.snapshots() {
		if s.Stage.Terminal() {
			n++
		}
	}
	return n
}
