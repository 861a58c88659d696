package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/depthprep"
	"github.com/stevecastle/stereoeye/imageio"
	"github.com/stevecastle/stereoeye/jobqueue"
	"github.com/stevecastle/stereoeye/storage"
	"github.com/stevecastle/stereoeye/tasks"
)

// Form parts beyond this size spill to temporary files.
const multipartMemory = 8 << 20

// DefaultMaxUploadBytes bounds a render request when no limit is configured.
const DefaultMaxUploadBytes = 64 << 20

func (s *Server) createRenderHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "expected multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	base, err := formImage(r, "base")
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	depth, err := formImage(r, "map")
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	params, err := s.paramsFromForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params.BaseKey = base.key
	params.MapKey = depth.key
	if err := params.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.storeUpload(ctx, base); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.storeUpload(ctx, depth); err != nil {
		s.deleteKeys(ctx, base.key)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	id, err := s.deps.Queue.AddJob(tasks.RenderCommand, params, []string{base.key, depth.key})
	if err != nil {
		s.deleteKeys(ctx, base.key, depth.key)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logrus.WithFields(logrus.Fields{
		"job":    id,
		"base":   base.filename,
		"map":    depth.filename,
		"layout": params.Layout,
		"size":   params.Size,
	}).Info("Render queued")
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// errUnsupportedUpload marks an upload whose extension is not a known image
// type.
var errUnsupportedUpload = errors.New("unsupported image type")

type upload struct {
	field    string
	filename string
	key      string
	header   *multipart.FileHeader
}

func formImage(r *http.Request, field string) (upload, error) {
	files := r.MultipartForm.File[field]
	if len(files) == 0 {
		return upload{}, fmt.Errorf("missing %q file", field)
	}
	fh := files[0]
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !imageio.IsInputExt(ext) {
		return upload{}, fmt.Errorf("%s %q: %w", field, fh.Filename, errUnsupportedUpload)
	}
	return upload{
		field:    field,
		filename: fh.Filename,
		key:      "uploads/" + uuid.NewString() + ext,
		header:   fh,
	}, nil
}

func (s *Server) storeUpload(ctx context.Context, u upload) error {
	f, err := u.header.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", u.field, err)
	}
	return s.deps.Store.Put(ctx, u.key, data, http.DetectContentType(data))
}

func (s *Server) paramsFromForm(r *http.Request) (tasks.RenderParams, error) {
	p := tasks.RenderParams{
		Size:   r.FormValue("size"),
		Layout: r.FormValue("layout"),
		Format: r.FormValue("format"),
	}
	if p.Size == "" {
		p.Size = s.deps.DefaultSize
	}
	if p.Layout == "" {
		p.Layout = s.deps.DefaultLayout
	}

	var err error
	if p.Invert, err = formBool(r, "invert"); err != nil {
		return p, err
	}
	if p.FitMap, err = formBool(r, "fitMap"); err != nil {
		return p, err
	}
	if v := r.FormValue("clip"); v != "" {
		if p.ClipLow, p.ClipHigh, err = depthprep.ParseClip(v); err != nil {
			return p, err
		}
	}
	if v := r.FormValue("quality"); v != "" {
		if p.Quality, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("quality %q is not a number", v)
		}
	}
	return p, nil
}

func formBool(r *http.Request, field string) (bool, error) {
	v := r.FormValue(field)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s %q is not a boolean", field, v)
	}
	return b, nil
}

func (s *Server) listRendersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Queue.GetJobs()})
}

func (s *Server) renderDetailHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Queue.GetJob(r.PathValue("id"))
	if !ok {
		http.Error(w, jobqueue.ErrJobNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	s.serveOutput(w, r, func(o jobqueue.Output) (string, string) { return o.ResultKey, o.ContentType })
}

func (s *Server) thumbnailHandler(w http.ResponseWriter, r *http.Request) {
	s.serveOutput(w, r, func(o jobqueue.Output) (string, string) {
		return o.ThumbnailKey, imageio.JPEG.ContentType()
	})
}

// serveOutput streams one stored output of a completed job.
func (s *Server) serveOutput(w http.ResponseWriter, r *http.Request, pick func(jobqueue.Output) (key, contentType string)) {
	job, ok := s.deps.Queue.GetJob(r.PathValue("id"))
	if !ok {
		http.Error(w, jobqueue.ErrJobNotFound.Error(), http.StatusNotFound)
		return
	}
	key, contentType := pick(job.Output)
	if job.State != jobqueue.StateCompleted || key == "" {
		http.Error(w, fmt.Sprintf("render is %s", job.State.Name()), http.StatusConflict)
		return
	}

	data, err := s.deps.Store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "output no longer stored", http.StatusNotFound)
			return
		}
		logrus.WithError(err).WithField("key", key).Error("Failed to read output")
		http.Error(w, "failed to read output", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(key)))
	http.ServeContent(w, r, path.Base(key), job.CompletedAt, bytes.NewReader(data))
}

func (s *Server) cancelRenderHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Queue.CancelJob(id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	job, _ := s.deps.Queue.GetJob(id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryRenderHandler(w http.ResponseWriter, r *http.Request) {
	newID, err := s.deps.Queue.CopyJob(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": newID})
}

func (s *Server) removeRenderHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.RemoveJob(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.releaseStorage(r.Context(), job)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearRendersHandler(w http.ResponseWriter, r *http.Request) {
	removed := s.deps.Queue.ClearFinishedJobs()
	for _, job := range removed {
		s.releaseStorage(r.Context(), job)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared_count": len(removed),
		"message":       fmt.Sprintf("Cleared %d finished renders", len(removed)),
	})
}

// releaseStorage deletes a removed job's outputs and the inputs no other
// job still refers to.
func (s *Server) releaseStorage(ctx context.Context, job jobqueue.Job) {
	shared := s.deps.Queue.SharedInputs(job.ID, job.Inputs)
	var keys []string
	for _, k := range job.Inputs {
		if !shared[k] {
			keys = append(keys, k)
		}
	}
	if job.Output.ResultKey != "" {
		keys = append(keys, job.Output.ResultKey)
	}
	if job.Output.ThumbnailKey != "" {
		keys = append(keys, job.Output.ThumbnailKey)
	}
	s.deleteKeys(ctx, keys...)
}

func (s *Server) deleteKeys(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := s.deps.Store.Delete(ctx, k); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logrus.WithError(err).WithField("key", k).Warn("Failed to delete stored object")
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobqueue.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, errUnsupportedUpload):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
