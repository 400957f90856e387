package benchmark

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

/*
	Benchmark over HTTP.
	POST a Request to run one benchmark. The reply is a single Response, or a
	stream of server-sent events carrying a Response per progress report when
	the client accepts text/event-stream.
*/

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Request struct {
	Target  string   `json:"target"`
	Servers []string `json:"servers"`
	Config
}

type Response struct {
	Success   bool                   `json:"success"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Results   map[string]interface{} `json:"results"`
}

type OpenFunc func(ctx context.Context, kind string, servers []string) (Target, error)

type Handler struct {
	defaults Config
	open     OpenFunc
	logger   log.Logger
}

// NewHandler returns the benchmark endpoint. Fields absent from a request
// take their value from defaults.
func NewHandler(defaults Config, open OpenFunc, logger log.Logger) *Handler {
	return &Handler{defaults: defaults, open: open, logger: logger}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.run).Methods(http.MethodPost)
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		setCORS(w)
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodOptions)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// newRequest returns a Request holding the defaults. Decoding a body into it
// only overrides the fields the client sent, so an explicit zero stays zero.
func (h *Handler) newRequest() Request {
	return Request{Target: TargetKV, Config: h.defaults}
}

func failure(msg string) Response {
	return Response{Message: msg, Timestamp: time.Now(), Results: map[string]interface{}{}}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Debug(h.logger).Log("msg", "writing response", "err", err)
	}
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	req := h.newRequest()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, failure(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if len(req.Servers) == 0 {
		h.writeJSON(w, http.StatusBadRequest, failure("servers list is required"))
		return
	}
	req.ReportInterval = h.defaults.ReportInterval
	if err := req.Config.Validate(); err != nil {
		h.writeJSON(w, http.StatusBadRequest, failure(err.Error()))
		return
	}

	target, err := h.open(r.Context(), req.Target, req.Servers)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, failure(fmt.Sprintf("failed to connect: %v", err)))
		return
	}
	defer target.Close()

	flusher, ok := w.(http.Flusher)
	if !ok || !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		res, err := Run(r.Context(), target, req.Config, nil)
		if err != nil {
			h.writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
			return
		}
		h.writeJSON(w, http.StatusOK, summary(req, res))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Run calls progress from a single goroutine and stops it before
	// returning, so writes to w never overlap.
	res, err := Run(r.Context(), target, req.Config, func(p Progress) {
		h.writeEvent(w, Response{
			Success:   true,
			Message:   "benchmark running",
			Timestamp: time.Now(),
			Results:   map[string]interface{}{"servers": req.Servers, "completed": p.Completed, "tps": fmt.Sprintf("%.4f", p.TPS)},
		})
		flusher.Flush()
	})
	if err != nil {
		h.writeEvent(w, failure(err.Error()))
	} else {
		h.writeEvent(w, summary(req, res))
	}
	flusher.Flush()
}

func (h *Handler) writeEvent(w http.ResponseWriter, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		level.Error(h.logger).Log("msg", "encoding event", "err", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func summary(req Request, res Result) Response {
	return Response{
		Success:   true,
		Message:   "benchmark completed successfully",
		Timestamp: time.Now(),
		Results: map[string]interface{}{
			"target":         req.Target,
			"servers":        req.Servers,
			"clientNums":     req.ClientNums,
			"requestNums":    req.RequestNums,
			"getRatio":       req.GetRatio,
			"elapsedSeconds": res.Elapsed.Seconds(),
			"tps":            fmt.Sprintf("%.4f", res.TPS()),
			"totalOps":       res.Ops(),
			"hits":           res.Hits,
			"failures":       res.Failures,
		},
	}
}
