package gateway

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/manifest"
	"github.com/pkgferry/pkgferry/internal/orchestrator"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// createTaskResponse is the upload response: the new task plus the uploaded
// files grouped by ecosystem.
type createTaskResponse struct {
	*tasks.Task
	Categorized manifest.Categorized `json:"categorized_files"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	var names []string
	for _, fh := range uploads {
		name := filepath.Base(fh.Filename)
		if !manifest.AllowedExtension(name) {
			writeError(w, http.StatusBadRequest, "file type not allowed: "+name)
			return
		}
		if fh.Size > s.maxUpload {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("file too large: %s (%d bytes, limit %d)", name, fh.Size, s.maxUpload))
			return
		}
		names = append(names, name)
	}

	categorized := manifest.Categorize(names)
	if len(categorized.Npm) == 0 && len(categorized.Python) == 0 {
		writeError(w, http.StatusBadRequest, "no recognized dependency manifests")
		return
	}

	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.store.Create(names, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	uploadDir := s.store.UploadDir(task.ID)
	for _, fh := range uploads {
		if err := saveUpload(fh, filepath.Join(uploadDir, filepath.Base(fh.Filename))); err != nil {
			s.store.Delete(task.ID)
			writeError(w, http.StatusInternalServerError, "failed to save upload: "+err.Error())
			return
		}
	}

	for _, name := range categorized.Npm {
		if !manifest.ValidateNpmFile(filepath.Join(uploadDir, name)) {
			s.store.Delete(task.ID)
			writeError(w, http.StatusBadRequest, "invalid manifest: "+name)
			return
		}
	}
	for _, name := range categorized.Python {
		if !manifest.ValidatePythonFile(filepath.Join(uploadDir, name)) {
			s.store.Delete(task.ID)
			writeError(w, http.StatusBadRequest, "invalid manifest: "+name)
			return
		}
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{Task: task, Categorized: categorized})
}

// parseOptions reads task options from the upload form, applying defaults
// for anything the client leaves out.
func parseOptions(r *http.Request) (tasks.Options, error) {
	opts := tasks.DefaultOptions()

	if v := r.FormValue("npm"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("invalid npm option: " + v)
		}
		opts.Npm = b
	}
	if v := r.FormValue("pypi"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("invalid pypi option: " + v)
		}
		opts.Pypi = b
	}
	if v := r.FormValue("node_version"); v != "" {
		opts.NodeVersion = v
	}
	if v := r.FormValue("python_version"); v != "" {
		opts.PythonVersion = v
	}
	if v := r.FormValue("platforms"); v != "" {
		var platforms []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				platforms = append(platforms, p)
			}
		}
		if len(platforms) > 0 {
			opts.Platforms = platforms
		}
	}
	return opts, nil
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	list, total, err := s.store.List(page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"total": total,
		"page":  page,
		"size":  size,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if err := s.store.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.log != nil {
		if err := s.log.DeleteTask(id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pypi := task.PypiDependencies
	if pypi == nil {
		pypi = []tasks.PackageInfo{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"npm": map[string]any{
			"tree":  task.NpmDependencies,
			"count": task.NpmDependencies.Count(),
		},
		"python": pypi,
	})
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.TriggerParse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.TriggerDownload(chi.URLParam(r, "taskID"))
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// writeTriggerError maps orchestrator trigger failures onto HTTP statuses.
func writeTriggerError(w http.ResponseWriter, err error) {
	var invalid *tasks.InvalidTransitionError
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.Status != tasks.StatusCompleted {
		writeError(w, http.StatusBadRequest, "task is not completed")
		return
	}

	path := task.ArchivePath
	if path == "" {
		path = s.store.ArchivePath(task.ID)
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "archive not found")
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="packages-%s.zip"`, task.ID))
	http.ServeFile(w, r, path)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}

	id := chi.URLParam(r, "taskID")
	if _, err := s.store.Get(id); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.log.ByTask(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}
