package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler interface {
	pending(w http.ResponseWriter, r *http.Request)
	ack(w http.ResponseWriter, r *http.Request)
	status(w http.ResponseWriter, r *http.Request)
	release(w http.ResponseWriter, r *http.Request)
	push(w http.ResponseWriter, r *http.Request)
	purge(w http.ResponseWriter, r *http.Request)
	tasks(w http.ResponseWriter, r *http.Request)
	eventStream(w http.ResponseWriter, r *http.Request)
	upload(w http.ResponseWriter, r *http.Request)
	files(w http.ResponseWriter, r *http.Request)
	config(w http.ResponseWriter, r *http.Request)
	info(w http.ResponseWriter, r *http.Request)
	healthz(w http.ResponseWriter, r *http.Request)
	CloseStreams()
}

var endpoints = []string{
	"GET  /api/tasks/pending?clientId=",
	"POST /api/tasks/ack",
	"POST /api/tasks/status",
	"GET  /api/tasks/release?taskCode=",
	"POST /api/tasks/push",
	"POST /api/tasks/purge",
	"GET  /api/tasks",
	"GET  /api/events?clientId=",
	"POST /api/files/upload",
	"GET  /api/files?taskCode=&tags=",
	"GET  /api/config",
	"GET  /healthz",
	"GET  /metrics",
}

type router struct {
	h Handler
}

func (r *router) CloseStreams() {
	r.h.CloseStreams()
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/api/tasks/pending", r.h.pending)
	mux.HandleFunc("/api/tasks/ack", r.h.ack)
	mux.HandleFunc("/api/tasks/status", r.h.status)
	mux.HandleFunc("/api/tasks/release", r.h.release)
	mux.HandleFunc("/api/tasks/push", r.h.push)
	mux.HandleFunc("/api/tasks/purge", r.h.purge)
	mux.HandleFunc("/api/tasks", r.h.tasks)
	mux.HandleFunc("/api/events", r.h.eventStream)
	mux.HandleFunc("/api/files/upload", r.h.upload)
	mux.HandleFunc("/api/files", r.h.files)
	mux.HandleFunc("/api/config", r.h.config)
	mux.HandleFunc("/healthz", r.h.healthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", r.h.info)

	return mux
}
