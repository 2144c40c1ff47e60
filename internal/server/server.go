package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jo-hoe/imagelabeler/internal/common"
	"github.com/jo-hoe/imagelabeler/internal/config"
	"github.com/jo-hoe/imagelabeler/internal/jobs"
	"github.com/jo-hoe/imagelabeler/internal/storage"
)

// multipart parts above this are spilled to temp files by net/http
const formMemory = 32 << 20

// JobService is the subset of the orchestrator the HTTP layer needs.
type JobService interface {
	Submit(ctx context.Context, uploads []jobs.Upload) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context) ([]*jobs.Job, error)
}

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Jobs     JobService
	Uploader *storage.Uploader
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, svc.Log) })
	r.Use(func(next http.Handler) http.Handler { return recoveryMiddleware(next, svc.Log) })

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post(common.PathAPI, svc.handleUpload)
	r.Get(common.PathAPI, svc.handleList)
	r.Get(common.PathJobs+"/{id}", svc.handleGetJob)
	r.Get(common.PathImages+"/{filename}", svc.handleImage)

	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) maxFiles() int {
	if svc.Cfg.Server.MaxFiles > 0 {
		return svc.Cfg.Server.MaxFiles
	}
	return common.DefaultMaxFiles
}

func (svc *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	perFile := safeInt64(svc.Cfg.Server.MaxUploadSize)
	if perFile > 0 {
		total := perFile
		if n := int64(svc.maxFiles()); perFile <= math.MaxInt64/(n+1) {
			// one extra file's worth covers multipart framing
			total = perFile * (n + 1)
		} else {
			total = math.MaxInt64
		}
		r.Body = http.MaxBytesReader(w, r.Body, total)
	}

	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[common.FormFieldImages]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No images uploaded")
		return
	}
	if len(files) > svc.maxFiles() {
		writeError(w, http.StatusBadRequest, "Too many images")
		return
	}

	uploads, err := svc.saveAll(files, perFile)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, storage.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		svc.Log.Warn("upload rejected", "error", err)
		writeError(w, status, err.Error())
		return
	}

	job, err := svc.Jobs.Submit(r.Context(), uploads)
	if err != nil {
		svc.removeAll(uploads)
		if errors.Is(err, jobs.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		}
		svc.Log.Error("submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// saveAll stores every file or none of them.
func (svc *Service) saveAll(files []*multipart.FileHeader, maxBytes int64) ([]jobs.Upload, error) {
	uploads := make([]jobs.Upload, 0, len(files))
	for _, fh := range files {
		ref, _, err := svc.Uploader.SaveMultipartImage(fh, maxBytes)
		if err != nil {
			svc.removeAll(uploads)
			return nil, err
		}
		uploads = append(uploads, jobs.Upload{OriginalName: fh.Filename, StorageRef: ref})
	}
	return uploads, nil
}

func (svc *Service) removeAll(uploads []jobs.Upload) {
	for _, u := range uploads {
		if err := svc.Uploader.Remove(u.StorageRef); err != nil {
			svc.Log.Warn("remove upload", "ref", u.StorageRef, "error", err)
		}
	}
}

func (svc *Service) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := svc.Jobs.List(r.Context())
	if err != nil {
		svc.Log.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if all == nil {
		all = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := svc.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		svc.Log.Error("get job", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (svc *Service) handleImage(w http.ResponseWriter, r *http.Request) {
	path, err := svc.Uploader.Path(chi.URLParam(r, "filename"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(common.HeaderContentType, common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panicked", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
