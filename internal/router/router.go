// Package router adapts net/http requests into internal/dispatch calls:
// URL path segments resolve to (document, guid, prop), query parameters
// become command arguments, and the command's result is written back as
// JSON, a raw stream, or a Server-Sent-Events feed. It is grounded on
// original_source/sugar_network/toolkit/router.py, with its HTTP
// plumbing (ServerConfig, graceful shutdown) adapted from teacher
// pkg/api/server.go.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meshvault/meshvault/internal/dispatch"
	"github.com/meshvault/meshvault/internal/eventbus"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/types"
)

// FileResult is a command's result when it resolves to a BLOB or static
// asset on disk, letting the router apply conditional-GET and
// Content-Disposition the same way for every such command instead of
// duplicating that logic in each handler.
type FileResult struct {
	Path     string
	MimeType string
	ModTime  time.Time
	Filename string
}

// StreamResult is a command's result when it has no on-disk path (e.g.
// a generated sync packet) but still wants to stream a body.
type StreamResult struct {
	Reader      io.ReadCloser
	Length      int64
	ContentType string
}

// Authenticator resolves the principal (if any) named by a request's
// credentials, the way router.py's authenticate() turns a
// HTTP_SUGAR_USER header into a verified user guid.
type Authenticator interface {
	Authenticate(r *http.Request) (principal string, err error)
}

// Config configures a Server. Its HTTP-lifecycle fields mirror teacher
// pkg/api.ServerConfig.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableCORS   bool
}

// DefaultConfig returns sensible server timeouts.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// Server is the HTTP front door onto a dispatch.Registry.
type Server struct {
	httpServer     *http.Server
	registry       *dispatch.Registry
	auth           Authenticator
	bus            *eventbus.Bus
	cfg            Config
	activeRequests atomic.Int64
}

// NewServer builds a Server routing requests through registry. auth and
// bus may be nil (no authentication gate / no SSE feed, respectively).
func NewServer(cfg Config, registry *dispatch.Registry, auth Authenticator, bus *eventbus.Bus) *Server {
	s := &Server{registry: registry, auth: auth, bus: bus, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDispatch)

	var handler http.Handler = mux
	handler = s.loggingMiddleware(handler)
	if cfg.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start runs the HTTP server, blocking until it stops.
func (s *Server) Start() error {
	log.Printf("router: listening on %s", s.cfg.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground runs Start on a goroutine, logging a fatal-looking
// error if the listener dies for any reason besides a clean Shutdown.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("router: server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Document == "" && r.Method == http.MethodGet && req.Cmd == "subscribe" {
		s.handleSubscribe(w, r, req)
		return
	}

	if s.registry.Metrics != nil {
		active := s.activeRequests.Add(1)
		s.registry.Metrics.UpdateActiveConnections(int(active))
		defer func() {
			s.registry.Metrics.UpdateActiveConnections(int(s.activeRequests.Add(-1)))
		}()
	}

	if s.auth != nil {
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if principal != "" {
			req.Args["principal"] = principal
		}
	}

	resp := types.NewResponse()
	result, err := s.registry.Call(req, resp)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	s.writeResult(w, r, resp, result)
}

func (s *Server) parseRequest(r *http.Request) (*types.Request, error) {
	segments := splitPath(r.URL.Path)

	req := types.NewRequest(r.Method)
	req.AccessLevel = schema.AccessRemote
	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			req.Args[k] = vs[0]
		} else {
			list := make([]interface{}, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			req.Args[k] = list
		}
	}

	switch len(segments) {
	case 3:
		req.Document, req.GUID, req.Prop = segments[0], segments[1], segments[2]
	case 2:
		req.Document, req.GUID = segments[0], segments[1]
	case 1:
		req.Document = segments[0]
	}
	if cmd := req.Args["cmd"]; cmd != nil {
		if s, ok := cmd.(string); ok {
			req.Cmd = s
		}
	}

	if v := r.Header.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			req.Args["if_modified_since"] = t
		}
	}
	req.AcceptLanguage = parseAcceptLanguage(r.Header.Get("Accept-Language"))

	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" && r.ContentLength > 0:
		var raw interface{}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, errors.Wrap(errors.ErrCodeBadRequest, err, "malformed JSON body").WithComponent("router")
		}
		payload := types.Payload{Kind: types.JSONPayload, Raw: raw}
		if body, ok := raw.(map[string]interface{}); ok {
			payload.JSON = body
		}
		req.Payload = payload
	case r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead:
		req.Payload = types.Payload{Kind: types.StreamPayload, Stream: r.Body, Length: r.ContentLength, MimeType: mediaType}
	}

	return req, nil
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, resp *types.Response, result interface{}) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	switch v := result.(type) {
	case FileResult:
		s.writeFile(w, r, v)
	case StreamResult:
		defer v.Reader.Close()
		if v.ContentType != "" {
			w.Header().Set("Content-Type", v.ContentType)
		}
		if v.Length > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(v.Length, 10))
		}
		io.Copy(w, v.Reader)
	case []byte:
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.Write(v)
	case io.ReadCloser:
		defer v.Close()
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		io.Copy(w, v)
	case nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request, f FileResult) {
	info, err := os.Stat(f.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if v := r.Header.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil && !info.ModTime().Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer fh.Close()

	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if f.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	}
	io.Copy(w, fh)
}

// handleSubscribe serves the `GET /?cmd=subscribe` SSE stream of volume
// events, filtered by the query parameters given (e.g. ?document=post),
// mirroring sugar_network.resources.volume.Commands.subscribe. The
// first frame is always a {"event": "handshake"} handshake so a client
// can tell the stream opened before any real event arrives; only_commits
// then picks which of the remaining events it receives: by default
// "commit" events (internal bookkeeping, of no interest to most
// subscribers) are withheld, while only_commits=1 delivers nothing but
// commit boundaries, mirroring _pull_events's "subscribers already got
// update notifications enough" comment.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, req *types.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrCodeBadRequest, "event feed not configured").WithComponent("router"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New(errors.ErrCodeInternal, "streaming unsupported").WithComponent("router"))
		return
	}

	onlyCommits := truthy(req.Args["only_commits"])
	cond := eventbus.Condition{}
	for k, v := range req.Args {
		if k == "cmd" || k == "only_commits" {
			continue
		}
		if list, ok := v.([]interface{}); ok {
			if len(list) > 0 {
				cond[k] = list[0]
			}
			continue
		}
		cond[k] = v
	}

	sub := s.bus.Subscribe(cond, 32)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "data: %s\n\n", `{"event": "handshake"}`)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			isCommit := event["event"] == "commit"
			if onlyCommits != isCommit {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// truthy reports whether v is a recognized "on" value for a boolean
// query argument, accepting the shapes net/http's query parser and
// internal/dispatch.ToInt both hand back.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("router: %s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// corsMiddleware allows any origin, the same blanket policy teacher
// pkg/api.Server uses; the original's host-matching origin check is
// dropped since this module has no notion of a single trusted host.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-Modified-Since")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func parseAcceptLanguage(header string) []string {
	if header == "" {
		return nil
	}
	var langs []string
	for _, chunk := range strings.Split(header, ",") {
		lang := strings.TrimSpace(strings.SplitN(chunk, ";", 2)[0])
		if lang != "" {
			langs = append(langs, strings.ToLower(strings.ReplaceAll(lang, "_", "-")))
		}
	}
	return langs
}

func statusForError(err error) int {
	appErr, ok := err.(*errors.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	if status := appErr.HTTPStatus; status != 0 {
		return status
	}
	switch errors.GetCategory(appErr.Code) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryAuth:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
}
