package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"

	"github.com/RichardoC/chatgate/internal/auth"
	"github.com/RichardoC/chatgate/internal/llm"
	"github.com/RichardoC/chatgate/internal/quota"
	"github.com/RichardoC/chatgate/internal/storage"
	"go.uber.org/zap"
)

// GeneratedPrefix is the URL path under which generated images are served.
const GeneratedPrefix = "/generatedImgs/"

type Handler struct {
	chat        *llm.Service
	images      *llm.ImageService
	quota       *quota.Tracker
	attachments *storage.AttachmentStore
	generated   *storage.GeneratedStore
	gate        *auth.Gate
	limiter     *ipLimiter
	opts        Options
	logger      *zap.Logger
}

type Services struct {
	Chat        *llm.Service
	Images      *llm.ImageService
	Quota       *quota.Tracker
	Attachments *storage.AttachmentStore
	Generated   *storage.GeneratedStore
	Gate        *auth.Gate
}

type Options struct {
	PublicDir      string
	MaxUploadBytes int64
	TrustProxy     bool
	// RateLimitRPS of zero disables per-IP limiting on /get-response.
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewHandler(svc Services, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		chat:        svc.Chat,
		images:      svc.Images,
		quota:       svc.Quota,
		attachments: svc.Attachments,
		generated:   svc.Generated,
		gate:        svc.Gate,
		limiter:     newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		opts:        opts,
		logger:      logger,
	}
}

type authenticateResponse struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type getImageRequest struct {
	ImgName string `json:"imgName"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes returns the full HTTP surface wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/authenticate", h.HandleAuthenticate)
	mux.Handle("/get-response", h.requireAuth(h.rateLimit(http.HandlerFunc(h.HandleGetResponse))))
	mux.Handle("/get-image", h.requireAuth(http.HandlerFunc(h.HandleGetImage)))
	mux.HandleFunc("/health", h.HandleHealth)
	mux.Handle(GeneratedPrefix, http.StripPrefix(GeneratedPrefix, http.FileServer(http.Dir(h.generated.Dir()))))
	if h.opts.PublicDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(h.opts.PublicDir)))
	}
	return h.logRequests(mux)
}

func (h *Handler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := h.gate.Authenticate(r.Header.Get("Authorization")); err != nil {
		h.log(r).Info("Authentication rejected", zap.Error(err))
		h.writeAuthError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, authenticateResponse{Message: "Authenticated"})
}

func (h *Handler) HandleGetResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}

	logger := h.log(r)
	req, err := ParseRequest(r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "Request too large")
			return
		}
		logger.Info("Rejected request", zap.Error(err))
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var resp string
	switch req.Kind {
	case KindGenerateImage:
		resp, err = h.generateImage(r, req)
	case KindChatWithImage:
		resp, err = h.chatWithImage(r.Context(), req)
	default:
		resp, err = h.chat.Respond(r.Context(), llm.ChatRequest{History: req.History, Text: req.Message})
	}
	if err != nil {
		logger.Error("Failed to get response",
			zap.Stringer("kind", req.Kind),
			zap.Error(err))
		h.writeError(w, r, http.StatusInternalServerError, "Failed to get response")
		return
	}

	h.writeJSON(w, r, http.StatusOK, chatResponse{Response: resp})
}

func (h *Handler) generateImage(r *http.Request, req *ParsedRequest) (string, error) {
	ip := clientIP(r, h.opts.TrustProxy)
	tier := h.quota.RecordAndClassify(ip)
	h.log(r).Info("Image generation requested",
		zap.String("clientIP", ip),
		zap.String("tier", string(tier)),
		zap.Int("count", h.quota.Count(ip)),
		zap.Int("limit", h.quota.Limit()))

	data, err := h.images.Generate(r.Context(), req.Message, tier)
	if err != nil {
		return "", err
	}
	name, err := h.generated.Save(req.FileName, data)
	if err != nil {
		return "", err
	}
	return GeneratedPrefix + url.PathEscape(name), nil
}

func (h *Handler) chatWithImage(ctx context.Context, req *ParsedRequest) (string, error) {
	f, err := req.Image.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	att, err := h.attachments.Save(req.Image.Filename, f)
	if err != nil {
		return "", err
	}
	data, err := h.attachments.Read(att)
	if err != nil {
		return "", err
	}

	return h.chat.Respond(ctx, llm.ChatRequest{
		History: req.History,
		Text:    req.Message,
		Image:   &llm.ImageInput{Ext: att.Ext, Data: data},
	})
}

func (h *Handler) HandleGetImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req getImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	f, info, err := h.generated.Open(req.ImgName)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "Image not found")
		return
	}
	if err != nil {
		h.log(r).Error("Failed to open generated image", zap.String("name", req.ImgName), zap.Error(err))
		h.writeError(w, r, http.StatusInternalServerError, "Failed to read image")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name()}))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log(r).Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.writeJSON(w, r, status, errorResponse{Error: msg})
}
