package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you-humble/genrelay/dispatch/internal/domain"
	"github.com/you-humble/genrelay/dispatch/internal/notify"

	"github.com/google/uuid"
)

const heartbeatInterval = 15 * time.Second

type Usecase interface {
	Enqueue(ctx context.Context, specs []domain.TaskSpec) ([]string, int, error)
	FetchPending(ctx context.Context, clientID string) ([]domain.ClientTask, error)
	Ack(ctx context.Context, codes []string) ([]string, []string, error)
	ReportStatus(ctx context.Context, u domain.StatusUpdate) (domain.Task, error)
	Release(ctx context.Context, code string) (bool, error)
	Purge(ctx context.Context, codes []string) ([]string, error)
	UploadArtifact(ctx context.Context, r io.Reader, p domain.UploadParams) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, f domain.ArtifactFilter) domain.ArtifactListing
	ListTasks(ctx context.Context) []domain.TaskSummary
	ClientConfig() domain.ClientConfig
	Info(ctx context.Context) domain.ServiceInfo
}

type Subscriber interface {
	Subscribe(clientID string) *notify.Subscription
	Unsubscribe(sub *notify.Subscription)
}

type handler struct {
	maxBodyBytes   int64
	maxUploadBytes int64
	usecase        Usecase
	events         Subscriber
	now            func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

func NewHandler(maxBodyMb, maxUploadMb int64, uc Usecase, events Subscriber) *handler {
	return &handler{
		maxBodyBytes:   maxBodyMb << 20,
		maxUploadBytes: maxUploadMb << 20,
		usecase:        uc,
		events:         events,
		now:            time.Now,
		closing:        make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. Server shutdown waits for
// handlers to return, and a stream otherwise never does.
func (h *handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	logger := requestLogger(r, "pending").With(slog.String("client_id", clientID))

	tasks, err := h.usecase.FetchPending(r.Context(), clientID)
	if err != nil {
		h.fail(w, logger, "FetchPending", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.PendingResponse{
		Success:    true,
		Total:      len(tasks),
		Tasks:      tasks,
		OccupiedBy: clientID,
	})
}

func (h *handler) ack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	logger := requestLogger(r, "ack")

	var req domain.AckRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, logger, "decode", err)
		return
	}

	acked, unknown, err := h.usecase.Ack(r.Context(), req.TaskCodes)
	if err != nil {
		h.fail(w, logger, "Ack", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.AckResponse{
		Success:      true,
		Acknowledged: acked,
		Unknown:      unknown,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	logger := requestLogger(r, "status")

	var u domain.StatusUpdate
	if err := h.decode(w, r, &u); err != nil {
		h.fail(w, logger, "decode", err)
		return
	}
	logger = logger.With(
		slog.String("task_code", u.TaskCode),
		slog.String("status", string(u.Status)),
	)

	task, err := h.usecase.ReportStatus(r.Context(), u)
	if err != nil {
		h.fail(w, logger, "ReportStatus", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.StatusResponse{
		Success:  true,
		TaskCode: task.TaskCode,
		Status:   task.Status,
		Error:    task.Error,
	})
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	code := r.URL.Query().Get("taskCode")
	logger := requestLogger(r, "release").With(slog.String("task_code", code))

	released, err := h.usecase.Release(r.Context(), code)
	if err != nil {
		h.fail(w, logger, "Release", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.ReleaseResponse{
		Success:  true,
		TaskCode: code,
		Released: released,
	})
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	logger := requestLogger(r, "push")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		logger.Warn("read body", slog.String("error", err.Error()))
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	specs, err := domain.ParsePushPayload(body)
	if err != nil {
		h.fail(w, logger, "ParsePushPayload", err)
		return
	}

	codes, notified, err := h.usecase.Enqueue(r.Context(), specs)
	if err != nil {
		h.fail(w, logger, "Enqueue", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.PushResponse{
		Success:   true,
		TaskCodes: codes,
		Notified:  notified,
	})
}

func (h *handler) purge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	logger := requestLogger(r, "purge")

	var req domain.PurgeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, logger, "decode", err)
		return
	}

	purged, err := h.usecase.Purge(r.Context(), req.TaskCodes)
	if err != nil {
		h.fail(w, logger, "Purge", err)
		return
	}
	if purged == nil {
		purged = []string{}
	}

	writeJSON(w, http.StatusOK, domain.PurgeResponse{Success: true, Purged: purged})
}

func (h *handler) tasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	list := h.usecase.ListTasks(r.Context())
	writeJSON(w, http.StatusOK, domain.TasksResponse{
		Success: true,
		Total:   len(list),
		Tasks:   list,
	})
}

// eventStream writes server-sent events until the client goes away.
func (h *handler) eventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		clientID = "anon-" + strconv.FormatInt(h.now().UnixMilli(), 10)
	}
	logger := requestLogger(r, "events").With(slog.String("client_id", clientID))

	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("clear write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.events.Subscribe(clientID)
	defer h.events.Unsubscribe(sub)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case msg, ok := <-sub.C():
			if !ok {
				logger.Info("subscription replaced")
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data); err != nil {
				logger.Debug("write event", slog.String("error", err.Error()))
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				logger.Debug("write heartbeat", slog.String("error", err.Error()))
				return
			}
		}
		if err := rc.Flush(); err != nil {
			logger.Warn("flush", slog.String("error", err.Error()))
			return
		}
	}
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	logger := requestLogger(r, "upload")

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		logger.Error("ParseMultipartForm", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unable to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		logger.Warn("missing file field")
		writeError(w, http.StatusBadRequest, "field `file` is required")
		return
	}
	defer file.Close()

	params := domain.UploadParams{
		TaskCode:         r.FormValue("taskCode"),
		Quality:          domain.Quality(r.FormValue("quality")),
		MimeType:         r.FormValue("mimeType"),
		OriginalURL:      r.FormValue("originalUrl"),
		OriginalFilename: header.Filename,
		Size:             header.Size,
	}
	if params.MimeType == "" {
		params.MimeType = header.Header.Get("Content-Type")
	}
	logger = logger.With(
		slog.String("task_code", params.TaskCode),
		slog.String("file_name", header.Filename),
	)

	a, err := h.usecase.UploadArtifact(r.Context(), file, params)
	if err != nil {
		h.fail(w, logger, "UploadArtifact", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.UploadResponse{
		Success:  true,
		FileID:   a.FileID,
		Filename: a.Filename,
		Size:     a.Size,
		Quality:  a.Quality,
		TaskCode: a.TaskCode,
	})
}

func (h *handler) files(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	q := r.URL.Query()
	f := domain.ArtifactFilter{TaskCode: q.Get("taskCode")}
	for _, tag := range strings.Split(q.Get("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			f.Tags = append(f.Tags, tag)
		}
	}

	writeJSON(w, http.StatusOK, domain.FilesResponse{
		Success:         true,
		ArtifactListing: h.usecase.ListArtifacts(r.Context(), f),
	})
}

func (h *handler) config(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}
	writeJSON(w, http.StatusOK, domain.ConfigResponse{Success: true, Config: h.usecase.ClientConfig()})
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	info := h.usecase.Info(r.Context())
	info.Endpoints = endpoints
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// fail maps usecase errors onto the wire: malformed requests are 400, a
// missing task or a refused transition is a soft failure.
func (h *handler) fail(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		logger.Warn(op, slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrInvalidTransition):
		logger.Info(op, slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, domain.ErrorResponse{
			Success: false,
			Error:   softError(err),
			Message: err.Error(),
		})
	default:
		logger.Error(op, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
	}
}

func softError(err error) string {
	if errors.Is(err, domain.ErrTaskNotFound) {
		return "task_not_found"
	}
	return "invalid_transition"
}

func requestLogger(r *http.Request, handler string) *slog.Logger {
	return slog.With(
		slog.String("request_id", uuid.NewString()),
		slog.String("handler", handler),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Success: false,
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
