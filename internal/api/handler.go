package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/podushkina/bidparse/internal/queue"
	"github.com/podushkina/bidparse/internal/scratch"
	"github.com/podushkina/bidparse/internal/task"
)

// Repository is the per-family task store the handlers read and write.
type Repository interface {
	Family() task.Family
	Enqueue(ctx context.Context, rec *task.Record) error
	EnqueueExclusive(ctx context.Context, rec *task.Record) (string, error)
	TaskIDByBid(ctx context.Context, bid string) (string, error)
	BidOf(ctx context.Context, id string) (string, error)
	GetStatus(ctx context.Context, id string) (task.Status, error)
	GetResult(ctx context.Context, id string) (json.RawMessage, error)
	Len(ctx context.Context) (int64, error)
}

// Uploads stores submitted files until their task is processed.
type Uploads interface {
	Save(bid, taskID, filename string, r io.Reader) (string, error)
}

type Options struct {
	AllowedExtensions []string
	MaxUploadBytes    int64
	RejectInFlight    bool
	// Ping checks the store for /health.
	Ping func(ctx context.Context) error
}

// multipartMemory is how much of a form is buffered in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

var submittedMessages = map[task.Family]string{
	task.FamilyBase:      "基础任务已提交",
	task.FamilyScore:     "评分任务已提交",
	task.FamilyCatalogue: "目录任务已提交",
}

type Handler struct {
	repos   map[task.Family]Repository
	uploads Uploads
	opts    Options
	allowed map[string]struct{}
}

func NewHandler(repos []Repository, uploads Uploads, opts Options) *Handler {
	h := &Handler{
		repos:   make(map[task.Family]Repository, len(repos)),
		uploads: uploads,
		opts:    opts,
		allowed: make(map[string]struct{}, len(opts.AllowedExtensions)),
	}
	for _, r := range repos {
		h.repos[r.Family()] = r
	}
	for _, ext := range opts.AllowedExtensions {
		h.allowed[strings.ToLower(ext)] = struct{}{}
	}
	return h
}

type SubmitResponse struct {
	TaskID  string      `json:"task_id"`
	Bid     string      `json:"bid"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

type TaskResponse struct {
	TaskID string          `json:"task_id"`
	Family task.Family     `json:"family"`
	Status task.Status     `json:"status"`
	Result json.RawMessage `json:"result"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id,omitempty"`
}

// Submit accepts a multipart upload with a bid and a file and queues a task
// for family.
func (h *Handler) Submit(family task.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := h.repos[family]

		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
				respondError(w, http.StatusRequestEntityTooLarge, "上传文件过大")
				return
			}
			respondError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		bid := strings.TrimSpace(r.FormValue("bid"))
		if bid == "" {
			respondError(w, http.StatusBadRequest, "bid is required")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()

		ext := strings.ToLower(filepath.Ext(header.Filename))
		if _, ok := h.allowed[ext]; !ok {
			respondError(w, http.StatusBadRequest,
				fmt.Sprintf("不支持的文件类型，支持：%s", strings.Join(h.opts.AllowedExtensions, ", ")))
			return
		}
		if header.Size > h.opts.MaxUploadBytes {
			respondError(w, http.StatusRequestEntityTooLarge, "上传文件过大")
			return
		}

		rec := task.NewRecord(bid)
		path, err := h.uploads.Save(bid, rec.ID, header.Filename, file)
		if err != nil {
			log.Error().Err(err).Str("bid", bid).Msg("save upload")
			respondError(w, http.StatusInternalServerError, "创建任务失败")
			return
		}
		rec.FilePath = path

		if h.opts.RejectInFlight {
			existing, err := repo.EnqueueExclusive(r.Context(), rec)
			if errors.Is(err, queue.ErrInFlight) {
				scratch.Remove(path)
				respondJSON(w, http.StatusConflict, ErrorResponse{
					Error:  fmt.Sprintf("该投标编号（%s）已有任务在处理中（任务ID: %s），请稍后再试", bid, existing),
					TaskID: existing,
				})
				return
			}
			if err != nil {
				h.enqueueFailed(w, rec, err)
				return
			}
		} else if err := repo.Enqueue(r.Context(), rec); err != nil {
			h.enqueueFailed(w, rec, err)
			return
		}

		log.Info().
			Str("family", string(family)).
			Str("task_id", rec.ID).
			Str("bid", bid).
			Str("file", header.Filename).
			Int64("bytes", header.Size).
			Msg("task submitted")

		respondJSON(w, http.StatusOK, SubmitResponse{
			TaskID:  rec.ID,
			Bid:     bid,
			Status:  task.StatusPending,
			Message: submittedMessages[family],
		})
	}
}

func (h *Handler) enqueueFailed(w http.ResponseWriter, rec *task.Record, err error) {
	log.Error().Err(err).Str("task_id", rec.ID).Str("bid", rec.Bid).Msg("enqueue task")
	scratch.Remove(rec.FilePath)
	respondError(w, http.StatusInternalServerError, "创建任务失败")
}

// Result answers with the latest task of the bid given in the query.
func (h *Handler) Result(family task.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := h.repos[family]

		bid := strings.TrimSpace(r.URL.Query().Get("bid"))
		if bid == "" {
			respondError(w, http.StatusBadRequest, "bid is required")
			return
		}

		id, err := repo.TaskIDByBid(r.Context(), bid)
		if err != nil {
			h.lookupFailed(w, err, "未找到该bid的任务")
			return
		}

		status, err := repo.GetStatus(r.Context(), id)
		if err != nil {
			h.lookupFailed(w, err, "任务状态不存在")
			return
		}

		body, err := resultBody(r.Context(), repo, bid, id, status)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondRaw(w, http.StatusOK, body)
	}
}

// GetTask looks a task up by id, which also reaches tasks whose bid has
// since been resubmitted.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	family, err := task.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	repo, ok := h.repos[family]
	if !ok {
		respondError(w, http.StatusNotFound, "family not served")
		return
	}

	id := chi.URLParam(r, "taskID")
	status, err := repo.GetStatus(r.Context(), id)
	if err != nil {
		h.lookupFailed(w, err, "task not found")
		return
	}

	bid, err := repo.BidOf(r.Context(), id)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		h.lookupFailed(w, err, "task not found")
		return
	}

	body, err := resultBody(r.Context(), repo, bid, id, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, TaskResponse{TaskID: id, Family: family, Status: status, Result: body})
}

func (h *Handler) lookupFailed(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, http.StatusNotFound, notFound)
		return
	}
	log.Error().Err(err).Msg("task lookup")
	respondError(w, http.StatusInternalServerError, err.Error())
}

// resultBody is the stored envelope of a successful task, or a placeholder
// envelope for anything else.
func resultBody(ctx context.Context, repo Repository, bid, id string, status task.Status) (json.RawMessage, error) {
	family := repo.Family()

	if status.InFlight() {
		return json.Marshal(task.Placeholder(family, bid, task.CodeInProgress, task.MessageInProgress))
	}

	raw, err := repo.GetResult(ctx, id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return json.Marshal(task.Failed(family, bid, task.MessageFailed))
	case err != nil:
		return nil, err
	case status == task.StatusSuccess:
		return raw, nil
	}

	var stored struct {
		RetMessage string `json:"retMessage"`
	}
	_ = json.Unmarshal(raw, &stored)
	return json.Marshal(task.Failed(family, bid, stored.RetMessage))
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ping != nil {
		if err := h.opts.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	queues := make(map[task.Family]int64, len(h.repos))
	for family, repo := range h.repos {
		n, err := repo.Len(r.Context())
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		queues[family] = n
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "queues": queues})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
