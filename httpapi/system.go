package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/auth"
)

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	s.deps.Events.ServeHTTP(w, r)
}

type TaskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	taskMap := s.deps.Registry.GetTasks()
	taskList := make([]TaskInfo, 0, len(taskMap))
	for _, t := range taskMap {
		taskList = append(taskList, TaskInfo{ID: t.ID, Name: t.Name})
	}

	// Sort by ID for consistent ordering
	sort.Slice(taskList, func(i, j int) bool {
		return taskList[i].ID < taskList[j].ID
	})

	writeJSON(w, http.StatusOK, map[string]any{"tasks": taskList})
}

type tokenRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil || !s.deps.Auth.Enabled() {
		http.Error(w, "authentication is not configured", http.StatusNotFound)
		return
	}

	var req tokenRequest
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "api"
	}

	token, expires, err := s.deps.Auth.Login(req.Name, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			logrus.WithFields(logrus.Fields{"name": req.Name, "remote": r.RemoteAddr}).Warn("Failed login")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": expires})
}

// healthHandler reports queue and stream statistics.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Queue.GetJobs()
	jobStats := map[string]int{
		"total":       len(jobs),
		"pending":     0,
		"in_progress": 0,
		"completed":   0,
		"cancelled":   0,
		"error":       0,
	}
	for _, job := range jobs {
		jobStats[job.State.Name()]++
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"jobs":      jobStats,
		"running":   s.deps.Queue.Running(),
	}
	if s.deps.Events != nil {
		health["stream"] = s.deps.Events.Stats()
	}
	writeJSON(w, http.StatusOK, health)
}
