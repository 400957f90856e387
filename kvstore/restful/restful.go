package restful

import (
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
)

/*
	REST adaptation of the kv service.
	Keys come from the "key" query parameter, set values from the request body.
	Every reply is a JSON KvResponse.
*/

// legacyPrefix is where the first release mounted its endpoints.
const legacyPrefix = "/ea"

// maxValueBytes bounds the body of a set request.
const maxValueBytes = 1 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	noKeyBody         = mustMarshal(kvrpc.NewResponse(codes.InvalidArgument, "no key"))
	noKeyOrValueBody  = mustMarshal(kvrpc.NewResponse(codes.InvalidArgument, "no key or value"))
	conversionErrBody = mustMarshal(kvrpc.NewResponse(codes.Internal, "response to json error"))
	notFoundBody      = mustMarshal(kvrpc.NewResponse(codes.NotFound, "no such endpoint"))
)

func mustMarshal(resp *kvrpc.KvResponse) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return b
}

type Handler struct {
	svc    kvrpc.KvServiceServer
	logger log.Logger
}

func New(svc kvrpc.KvServiceServer, logger log.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the cache endpoints on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	for _, prefix := range []string{"", legacyPrefix} {
		r.HandleFunc(prefix+"/cache", h.wrap(h.get)).Methods(http.MethodGet)
		r.HandleFunc(prefix+"/cache", h.wrap(h.set)).Methods(http.MethodPost, http.MethodPut)
		r.HandleFunc(prefix+"/cache", h.wrap(h.remove)).Methods(http.MethodDelete)
		r.HandleFunc(prefix+"/cache/get", h.wrap(h.get)).Methods(http.MethodGet)
		r.HandleFunc(prefix+"/cache/set", h.wrap(h.set)).Methods(http.MethodPost, http.MethodPut)
	}
}

// NotFound answers requests for unknown paths.
func (h *Handler) NotFound(w http.ResponseWriter, _ *http.Request) {
	setHeaders(w)
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(notFoundBody)
}

func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func (h *Handler) wrap(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setHeaders(w)
		f(w, r)
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeBody(w, http.StatusOK, noKeyBody)
		return
	}
	level.Debug(h.logger).Log("msg", "get key", "key", key)
	resp, err := h.svc.Get(r.Context(), &kvrpc.KvRequest{Key: key})
	h.reply(w, resp, err)
}

func (h *Handler) set(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		h.writeBody(w, http.StatusRequestEntityTooLarge, mustMarshal(kvrpc.NewResponse(codes.InvalidArgument, err.Error())))
		return
	}
	if key == "" || len(value) == 0 {
		h.writeBody(w, http.StatusOK, noKeyOrValueBody)
		return
	}
	resp, err := h.svc.Set(r.Context(), &kvrpc.KvRequest{Key: key, Value: string(value)})
	h.reply(w, resp, err)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeBody(w, http.StatusOK, noKeyBody)
		return
	}
	resp, err := h.svc.Remove(r.Context(), &kvrpc.KvRequest{Key: key})
	h.reply(w, resp, err)
}

// reply writes resp with 200, or the status carried by err with 500.
func (h *Handler) reply(w http.ResponseWriter, resp *kvrpc.KvResponse, err error) {
	code := http.StatusOK
	if err != nil {
		st := status.Convert(err)
		level.Warn(h.logger).Log("msg", "kv service call failed", "err", err)
		resp = kvrpc.NewResponse(st.Code(), st.Message())
		code = http.StatusInternalServerError
	}
	body, err := json.Marshal(resp)
	if err != nil {
		level.Error(h.logger).Log("msg", "encoding response", "err", err)
		body = conversionErrBody
	}
	h.writeBody(w, code, body)
}

func (h *Handler) writeBody(w http.ResponseWriter, code int, body []byte) {
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		level.Debug(h.logger).Log("msg", "writing response", "err", err)
	}
}
