package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lazyimage/internal/animation"
	"lazyimage/internal/config"
	"lazyimage/internal/generator"
	"lazyimage/internal/image_list"
	"lazyimage/internal/image_renderer"
)

// Fragment requests give up after this long; the decode they started keeps
// running for whoever asks next.
const renderTimeout = 30 * time.Second

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *image_list.Scanner
	renderer *image_renderer.Renderer
}

func New(config *config.Config, logger *zap.Logger, scanner *image_list.Scanner, renderer *image_renderer.Renderer) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		scanner:  scanner,
		renderer: renderer,
	}
}

// Routes registers every endpoint on a new mux wrapped in the middlewares.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc("/api/upload", h.HandleUpload)
	mux.HandleFunc("/api/streams", h.HandleStreamStart)
	mux.HandleFunc("/api/streams/", h.HandleStreamChunk)
	mux.HandleFunc("/api/cache/stats", h.HandleCacheStats)
	mux.HandleFunc("/api/cache/evict", h.HandleCacheEvict)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/", h.HandleStatic)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		w.Header().Set("X-Request-Id", requestID)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorized checks the upload token for endpoints that change data.
func (h *Handlers) authorized(r *http.Request) bool {
	if h.config.IsUploadPublic() {
		return true
	}
	token := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token == h.config.UploadToken
}

// writeError maps renderer errors onto status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, image_renderer.ErrNotFound), errors.Is(err, image_list.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, generator.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, generator.ErrIncompleteData):
		status = http.StatusTooEarly
	case errors.Is(err, generator.ErrDecodeFailure):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, image_renderer.ErrNotStreaming), errors.Is(err, generator.ErrDataComplete):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.scanner.GetImages())
}

func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)

	err := r.ParseMultipartForm(32 << 20)
	if err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !image_list.Extensions[ext] {
		http.Error(w, "Invalid file extension", http.StatusBadRequest)
		return
	}

	tempFile, err := os.CreateTemp(h.scanner.DataDir(), "upload_*"+ext+".part")
	if err != nil {
		h.logger.Error("Failed to create temp file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempPath := tempFile.Name()

	_, err = io.Copy(tempFile, file)
	if err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		h.logger.Error("Failed to copy file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempFile.Close()

	imageID, err := h.scanner.ProcessUploadedFile(tempPath, header.Filename)
	if err != nil {
		if _, statErr := os.Stat(tempPath); statErr == nil {
			os.Remove(tempPath)
		}
		h.logger.Error("Failed to process uploaded file", zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusUnprocessableEntity)
		return
	}

	imageInfo := h.scanner.GetImageByID(imageID)
	if imageInfo == nil {
		h.logger.Warn("Uploaded image not found after processing", zap.String("id", imageID))
		http.Error(w, "Failed to retrieve uploaded image", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":     imageID,
		"name":   imageInfo.OriginalFilename,
		"frames": imageInfo.Frames,
		"saved":  true,
	})
}

// HandleStreamStart opens a chunked upload: POST /api/streams?name=file.gif.
func (h *Handlers) HandleStreamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	name := r.URL.Query().Get("name")
	id, err := h.renderer.StartStream(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{"id": id})
}

// HandleStreamChunk appends the request body to a stream:
// POST /api/streams/{id}[?final=true].
func (h *Handlers) HandleStreamChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	final, _ := strconv.ParseBool(r.URL.Query().Get("final"))

	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize))
	if err != nil {
		http.Error(w, "Failed to read chunk", http.StatusBadRequest)
		return
	}
	if err := h.renderer.AppendStream(id, chunk, final); err != nil {
		h.writeError(w, err)
		return
	}

	meta, err := h.renderer.GetImageMeta(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, meta)
}

func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.renderer.CacheStats())
}

// HandleCacheEvict drops decoded fragments:
// POST /api/cache/evict[?image={id}[&except_frame=n]].
func (h *Handlers) HandleCacheEvict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	keep := -1
	if v := r.URL.Query().Get("except_frame"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid except_frame", http.StatusBadRequest)
			return
		}
		keep = n
	}

	evicted, err := h.renderer.Evict(r.URL.Query().Get("image"), keep)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"evicted": evicted})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	imageID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleImageDelete(w, r, imageID)
	case len(parts) == 2 && parts[1] == "meta":
		h.handleImageMetaWithID(w, r, imageID)
	case len(parts) == 2 && parts[1] == "fragment":
		h.handleFragment(w, r, imageID)
	case len(parts) == 2 && parts[1] == "animation":
		h.handleAnimationPolicy(w, r, imageID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) HandleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}

	filePath := filepath.Join("public", path)

	if !strings.HasPrefix(filepath.Clean(filePath), "public") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// index.html carries a placeholder for the public base URL.
	if path == "/index.html" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		content := strings.ReplaceAll(string(data), "__PUBLIC_BASE_URL__", h.config.PublicBaseURL)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(content))
		return
	}

	http.ServeFile(w, r, filePath)
}

func (h *Handlers) handleImageDelete(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.renderer.Remove(imageID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleImageMetaWithID(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta, err := h.renderer.GetImageMeta(imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, meta)
}

// handleAnimationPolicy sets how an animated image plays:
// PUT /api/images/{id}/animation?policy=allowed|once|none.
func (h *Handlers) handleAnimationPolicy(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	policy, ok := animation.ParsePolicy(r.URL.Query().Get("policy"))
	if !ok {
		http.Error(w, "Invalid policy", http.StatusBadRequest)
		return
	}
	if err := h.renderer.SetAnimationPolicy(imageID, policy); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

// handleFragment serves
// GET /api/images/{id}/fragment?w=&h=&x=&y=&sw=&sh=&frame=&format=.
func (h *Handlers) handleFragment(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := image_renderer.FragmentRequest{ImageID: imageID, Format: r.URL.Query().Get("format")}
	for name, dst := range map[string]*int{
		"w": &req.Width, "h": &req.Height,
		"x": &req.X, "y": &req.Y,
		"sw": &req.SubWidth, "sh": &req.SubHeight,
	} {
		n, err := queryInt(r, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*dst = n
	}
	if r.URL.Query().Has("frame") {
		frame, err := queryInt(r, "frame")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Frame = &frame
	}

	ctx, cancel := context.WithTimeout(r.Context(), renderTimeout)
	defer cancel()

	result, err := h.renderer.RenderFragment(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if result.Complete && req.Frame != nil {
		w.Header().Set("ETag", `"`+result.ETag+`"`)
		w.Header().Set("Cache-Control", "public, max-age=31536000")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(result.Size))
	w.Header().Set("X-Frame", strconv.Itoa(result.Frame))
	w.Header().Set("X-Image-Complete", strconv.FormatBool(result.Complete))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
