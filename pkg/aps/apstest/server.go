// Package apstest provides an in-memory fake of the remote conversion
// service for tests. It implements the endpoints used by package aps and
// records every call so tests can assert on network traffic.
package apstest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Operation names recorded by Server.Calls.
const (
	OpAuth           = "auth"
	OpCreateBucket   = "create-bucket"
	OpBucketDetails  = "bucket-details"
	OpSignUpload     = "sign-upload"
	OpPutPart        = "put-part"
	OpCompleteUpload = "complete-upload"
	OpSubmit         = "submit"
	OpManifest       = "manifest"
)

// Manifest statuses understood by the fake.
const (
	StatusPending    = "pending"
	StatusInProgress = "inprogress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Job is a conversion job known to the fake.
type Job struct {
	URN      string
	ObjectID string
	Format   string
	polls    int
}

type upload struct {
	bucket string
	object string
	parts  map[int][]byte
}

// Server is a fake conversion service.
type Server struct {
	*httptest.Server

	ClientID     string
	ClientSecret string

	mu sync.Mutex
	// Manifests is the sequence of statuses served for each job. The last
	// one repeats.
	Manifests []string
	// FailureMessages are attached to failed manifests.
	FailureMessages []string
	// FailPolls makes the next n manifest requests answer 500.
	FailPolls int
	// RejectTokens makes every authorized endpoint answer 401.
	RejectTokens bool

	calls          map[string]int
	tokens         map[string]bool
	buckets        map[string]bool
	foreignBuckets map[string]bool
	uploads        map[string]*upload
	objects        map[string][]byte
	jobs           map[string]*Job
	jobCreations   int
	nextID         int
}

// NewServer starts a fake service. It is closed at the end of the test by
// calling Close.
func NewServer() *Server {
	s := &Server{
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		Manifests:      []string{StatusInProgress, StatusSuccess},
		calls:          map[string]int{},
		tokens:         map[string]bool{},
		buckets:        map[string]bool{},
		foreignBuckets: map[string]bool{},
		uploads:        map[string]*upload{},
		objects:        map[string][]byte{},
		jobs:           map[string]*Job{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /authentication/v2/token", s.handleToken)
	mux.HandleFunc("POST /oss/v2/buckets", s.authorized(s.handleCreateBucket))
	mux.HandleFunc("GET /oss/v2/buckets/{bucketKey}/details", s.authorized(s.handleBucketDetails))
	mux.HandleFunc("GET /oss/v2/buckets/{bucketKey}/objects/{objectKey}/signeds3upload", s.authorized(s.handleSignUpload))
	mux.HandleFunc("POST /oss/v2/buckets/{bucketKey}/objects/{objectKey}/signeds3upload", s.authorized(s.handleCompleteUpload))
	mux.HandleFunc("PUT /s3/{uploadKey}/{part}", s.handlePutPart)
	mux.HandleFunc("POST /modelderivative/v2/designdata/job", s.authorized(s.handleSubmit))
	mux.HandleFunc("GET /modelderivative/v2/designdata/{urn}/manifest", s.authorized(s.handleManifest))

	s.Server = httptest.NewServer(mux)
	return s
}

// Calls returns how many times op was requested.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of requests received.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// JobCreations returns the number of jobs created.
func (s *Server) JobCreations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobCreations
}

// Object returns the content stored under objectID.
func (s *Server) Object(objectID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[objectID]
	return b, ok
}

// AddBucket registers an existing bucket owned by this client.
func (s *Server) AddBucket(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = true
}

// AddForeignBucket registers a bucket owned by another application.
func (s *Server) AddForeignBucket(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreignBuckets[key] = true
}

// Configure runs fn with the server locked, to change its knobs while
// requests may be in flight.
func (s *Server) Configure(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// ObjectID returns the id the fake assigns to an object.
func ObjectID(bucket, object string) string {
	return fmt.Sprintf("urn:adsk.objects:os.object:%s/%s", bucket, object)
}

func (s *Server) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.record(OpAuth)

	id, secret, ok := r.BasicAuth()
	if !ok || id != s.ClientID || secret != s.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"errorCode":        "AUTH-001",
			"developerMessage": "The client_id specified does not have access to the api product",
		})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	s.mu.Lock()
	s.nextID++
	tok := fmt.Sprintf("token-%d", s.nextID)
	s.tokens[tok] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   3599,
	})
}

func (s *Server) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		ok := s.tokens[tok] && !s.RejectTokens
		s.mu.Unlock()

		if !ok {
			s.record(opOf(r))
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"developerMessage": "Token is not provided in the request.",
			})
			return
		}
		h(w, r)
	}
}

func opOf(r *http.Request) string {
	switch {
	case strings.HasSuffix(r.URL.Path, "/details"):
		return OpBucketDetails
	case strings.HasSuffix(r.URL.Path, "/signeds3upload") && r.Method == http.MethodGet:
		return OpSignUpload
	case strings.HasSuffix(r.URL.Path, "/signeds3upload"):
		return OpCompleteUpload
	case strings.HasSuffix(r.URL.Path, "/manifest"):
		return OpManifest
	case strings.HasSuffix(r.URL.Path, "/job"):
		return OpSubmit
	default:
		return OpCreateBucket
	}
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	s.record(OpCreateBucket)

	var req struct {
		BucketKey string `json:"bucketKey"`
		PolicyKey string `json:"policyKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BucketKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "Invalid bucket key"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[req.BucketKey] || s.foreignBuckets[req.BucketKey] {
		writeJSON(w, http.StatusConflict, map[string]string{"reason": "Bucket already exists"})
		return
	}
	s.buckets[req.BucketKey] = true
	writeJSON(w, http.StatusOK, map[string]string{"bucketKey": req.BucketKey, "policyKey": req.PolicyKey})
}

func (s *Server) handleBucketDetails(w http.ResponseWriter, r *http.Request) {
	s.record(OpBucketDetails)

	key := r.PathValue("bucketKey")
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.buckets[key]:
		writeJSON(w, http.StatusOK, map[string]string{"bucketKey": key})
	case s.foreignBuckets[key]:
		writeJSON(w, http.StatusForbidden, map[string]string{"reason": "Access denied"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "Bucket not found"})
	}
}

func (s *Server) handleSignUpload(w http.ResponseWriter, r *http.Request) {
	s.record(OpSignUpload)

	bucket, object := r.PathValue("bucketKey"), r.PathValue("objectKey")
	first, _ := strconv.Atoi(r.URL.Query().Get("firstPart"))
	if first == 0 {
		first = 1
	}
	parts, _ := strconv.Atoi(r.URL.Query().Get("parts"))
	if parts == 0 {
		parts = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.buckets[bucket] {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "Bucket not found"})
		return
	}

	key := r.URL.Query().Get("uploadKey")
	if key == "" {
		s.nextID++
		key = fmt.Sprintf("upload-%d", s.nextID)
		s.uploads[key] = &upload{bucket: bucket, object: object, parts: map[int][]byte{}}
	}
	if _, ok := s.uploads[key]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "Unknown upload key"})
		return
	}

	urls := make([]string, 0, parts)
	for p := first; p < first+parts; p++ {
		urls = append(urls, fmt.Sprintf("%s/s3/%s/%d", s.URL, key, p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploadKey": key, "urls": urls})
}

func (s *Server) handlePutPart(w http.ResponseWriter, r *http.Request) {
	s.record(OpPutPart)

	if r.ContentLength < 0 {
		w.WriteHeader(http.StatusLengthRequired)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	part, _ := strconv.Atoi(r.PathValue("part"))

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[r.PathValue("uploadKey")]
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	up.parts[part] = body
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	s.record(OpCompleteUpload)

	var req struct {
		UploadKey string `json:"uploadKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "Invalid body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[req.UploadKey]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "Unknown upload key"})
		return
	}
	delete(s.uploads, req.UploadKey)

	nums := make([]int, 0, len(up.parts))
	for n := range up.parts {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	var content []byte
	for _, n := range nums {
		content = append(content, up.parts[n]...)
	}

	id := ObjectID(up.bucket, up.object)
	s.objects[id] = content
	writeJSON(w, http.StatusOK, map[string]any{
		"bucketKey":   up.bucket,
		"objectKey":   up.object,
		"objectId":    id,
		"size":        len(content),
		"contentType": "application/octet-stream",
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.record(OpSubmit)

	var req struct {
		Input struct {
			URN string `json:"urn"`
		} `json:"input"`
		Output struct {
			Formats []struct {
				Type string `json:"type"`
			} `json:"formats"`
		} `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Output.Formats) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"diagnostic": "Invalid job payload"})
		return
	}

	objectID, err := base64.RawURLEncoding.DecodeString(req.Input.URN)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"diagnostic": "Failed to decode base64 urn"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[string(objectID)]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"diagnostic": "Object not found"})
		return
	}
	if _, ok := s.jobs[req.Input.URN]; ok {
		writeJSON(w, http.StatusOK, map[string]any{"result": "success", "urn": req.Input.URN})
		return
	}
	s.jobs[req.Input.URN] = &Job{URN: req.Input.URN, ObjectID: string(objectID), Format: req.Output.Formats[0].Type}
	s.jobCreations++
	writeJSON(w, http.StatusCreated, map[string]any{"result": "created", "urn": req.Input.URN})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.record(OpManifest)

	urn := r.PathValue("urn")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPolls > 0 {
		s.FailPolls--
		writeJSON(w, http.StatusInternalServerError, map[string]string{"diagnostic": "Internal failure"})
		return
	}
	job, ok := s.jobs[urn]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"diagnostic": "Manifest not found"})
		return
	}

	status := s.Manifests[min(job.polls, len(s.Manifests)-1)]
	job.polls++

	m := map[string]any{
		"urn":      urn,
		"type":     "manifest",
		"status":   status,
		"progress": "50% complete",
	}
	switch status {
	case StatusSuccess:
		m["progress"] = "complete"
	case StatusFailed:
		msgs := make([]map[string]any, 0, len(s.FailureMessages))
		for _, text := range s.FailureMessages {
			msgs = append(msgs, map[string]any{"type": "error", "code": "TranslationWorker-InternalFailure", "message": text})
		}
		m["progress"] = "complete"
		m["derivatives"] = []map[string]any{{"status": "failed", "messages": msgs}}
	}
	writeJSON(w, http.StatusOK, m)
}
