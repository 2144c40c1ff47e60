package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/imagelabeler/internal/common"
	"github.com/jo-hoe/imagelabeler/internal/config"
	"github.com/jo-hoe/imagelabeler/internal/jobs"
	"github.com/jo-hoe/imagelabeler/internal/storage"
)

// gateProcessor holds every image until release is closed.
type gateProcessor struct {
	release chan struct{}
}

func (p *gateProcessor) Process(ctx context.Context, imageID, ref string) jobs.Image {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return jobs.Image{
		ID:         imageID,
		StorageRef: ref,
		Status:     jobs.ImageDone,
		Metadata:   &jobs.ImageMeta{Size: 3, Width: 1, Height: 1},
		Labels: &jobs.Labels{
			Objects: []jobs.LabelScore{},
			Scenes:  []jobs.LabelScore{},
			Labels:  []jobs.LabelScore{},
		},
	}
}

type testEnv struct {
	srv      *http.Server
	store    jobs.Store
	orch     *jobs.Orchestrator
	uploader *storage.Uploader
	proc     *gateProcessor
}

func newTestEnv(t *testing.T, maxFiles int) *testEnv {
	t.Helper()
	store := jobs.NewMemoryStore()
	proc := &gateProcessor{release: make(chan struct{})}
	orch := jobs.NewOrchestrator(nil, store, proc)
	up := storage.NewUploader(t.TempDir())
	t.Cleanup(func() {
		select {
		case <-proc.release:
		default:
			close(proc.release)
		}
		orch.Shutdown(5 * time.Second)
	})

	cfg := &config.Config{Server: config.ServerConfig{
		Addr:          ":0",
		MaxUploadSize: 1024 * 1024,
		MaxFiles:      maxFiles,
	}}
	svc := &Service{Cfg: cfg, Jobs: orch, Uploader: up}
	return &testEnv{srv: NewHTTPServer(svc), store: store, orch: orch, uploader: up, proc: proc}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rec, req)
	return rec
}

type filePart struct {
	name    string
	content []byte
}

func multipartRequest(t *testing.T, field string, files ...filePart) *http.Request {
	t.Helper()
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	for _, f := range files {
		fw, err := mw.CreateFormFile(field, f.name)
		require.NoError(t, err)
		_, err = fw.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, common.PathAPI, &b)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job), rec.Body.String())
	return job
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(httptest.NewRequest(http.MethodGet, common.PathHealthz, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestUpload_ReturnsPendingJob(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(multipartRequest(t, common.FormFieldImages,
		filePart{"test1.png", []byte("png1")},
		filePart{"test2.jpg", []byte("jpg2")},
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, common.ContentTypeJSON, rec.Header().Get("Content-Type"))

	job := decodeJob(t, rec)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, jobs.StatusPending, job.Status)
	require.Len(t, job.Images, 2)
	for i, want := range []string{"test1.png", "test2.jpg"} {
		img := job.Images[i]
		assert.Equal(t, want, img.OriginalName)
		assert.Equal(t, jobs.ImageUploaded, img.Status)
		assert.NotEmpty(t, img.ID)
		assert.NotEmpty(t, img.StorageRef)
	}
	assert.NotEqual(t, job.Images[0].ID, job.Images[1].ID)
}

func TestUpload_WireFieldNames(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(multipartRequest(t, common.FormFieldImages, filePart{"a.png", []byte("x")}))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, k := range []string{"jobId", "status", "images", "createdAt", "updatedAt"} {
		assert.Contains(t, raw, k)
	}
	images, ok := raw["images"].([]any)
	require.True(t, ok)
	require.Len(t, images, 1)
	img, ok := images[0].(map[string]any)
	require.True(t, ok)
	for _, k := range []string{"imageId", "filename", "originalName", "status"} {
		assert.Contains(t, img, k)
	}
	assert.NotContains(t, img, "labels", "unsettled image should not carry labels")
}

func TestUpload_DistinctJobsPerRequest(t *testing.T) {
	e := newTestEnv(t, 0)
	first := decodeJob(t, e.do(multipartRequest(t, common.FormFieldImages, filePart{"a.png", []byte("a")})))
	second := decodeJob(t, e.do(multipartRequest(t, common.FormFieldImages, filePart{"b.png", []byte("b")})))
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Images[0].ID, second.Images[0].ID)
}

func TestUpload_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		field string
		files []filePart
	}{
		{"no files", common.FormFieldImages, nil},
		{"wrong field", "file", []filePart{{"a.png", []byte("a")}}},
		{"not an image", common.FormFieldImages, []filePart{{"a.png", []byte("a")}, {"notes.txt", []byte("text")}}},
		{"too many", common.FormFieldImages, []filePart{{"a.png", []byte("a")}, {"b.png", []byte("b")}, {"c.png", []byte("c")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, 2)
			rec := e.do(multipartRequest(t, tc.field, tc.files...))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			all, err := e.store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all, "rejected upload created jobs")
			entries, _ := os.ReadDir(e.uploader.Dir())
			assert.Empty(t, entries, "rejected upload left files behind")
		})
	}
}

func TestUpload_ShuttingDown(t *testing.T) {
	e := newTestEnv(t, 0)
	close(e.proc.release)
	e.orch.Shutdown(time.Second)

	rec := e.do(multipartRequest(t, common.FormFieldImages, filePart{"a.png", []byte("a")}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	entries, _ := os.ReadDir(e.uploader.Dir())
	assert.Empty(t, entries, "files not cleaned up after rejected submit")
}

func TestGetJob_NotFound(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(httptest.NewRequest(http.MethodGet, common.PathJobs+"/non-existent-id", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Job not found", body["error"])
}

func TestGetJob_ReflectsProgress(t *testing.T) {
	e := newTestEnv(t, 0)
	created := decodeJob(t, e.do(multipartRequest(t, common.FormFieldImages, filePart{"a.png", []byte("a")})))
	close(e.proc.release)

	var job jobs.Job
	require.Eventually(t, func() bool {
		rec := e.do(httptest.NewRequest(http.MethodGet, common.PathJobs+"/"+created.ID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == jobs.StatusDone
	}, 5*time.Second, 5*time.Millisecond, "job never finished")

	require.Len(t, job.Images, 1)
	assert.Equal(t, jobs.ImageDone, job.Images[0].Status)
	assert.Equal(t, "a.png", job.Images[0].OriginalName)
	assert.NotNil(t, job.Images[0].Labels)
}

func TestListJobs_NewestFirst(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for id, hour := range map[string]int{"job-1": 10, "job-2": 12, "job-3": 11} {
		require.NoError(t, e.store.Put(ctx, &jobs.Job{ID: id, Status: jobs.StatusDone, Images: []jobs.Image{}, CreatedAt: base.Add(time.Duration(hour) * time.Hour)}))
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, common.PathAPI, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list []jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	got := make([]string, 0, len(list))
	for _, j := range list {
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{"job-2", "job-3", "job-1"}, got)
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(httptest.NewRequest(http.MethodGet, common.PathAPI, nil))
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestServeImage(t *testing.T) {
	e := newTestEnv(t, 0)
	job := decodeJob(t, e.do(multipartRequest(t, common.FormFieldImages, filePart{"a.png", []byte("raw-bytes")})))
	ref := job.Images[0].StorageRef

	rec := e.do(httptest.NewRequest(http.MethodGet, common.PathImages+"/"+ref, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw-bytes", rec.Body.String())

	rec = e.do(httptest.NewRequest(http.MethodGet, common.PathImages+"/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(httptest.NewRequest(http.MethodGet, common.PathImages+"/..%2Fsecret", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := os.Stat(filepath.Join(e.uploader.Dir(), ref))
	assert.NoError(t, err, "stored file missing")
}
