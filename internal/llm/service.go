package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/RichardoC/chatgate/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// ErrUpstream marks any failure reported by the completion provider.
var ErrUpstream = errors.New("upstream request failed")

const SystemInstruction = "You are a helpful assistant. Your job is to help the user with whatever they need. If they ask questions that need solving, like math questions, please use the tools given to you. Your response should be in HTML format, without including stuff like triple backticks (```). Make sure that you be accurate with your calculations. Please don't cut off your answers. If the user asks if they are correct or if they need help, don't rush into assumption. Solve the problem first yourself, and then decide if the user needs help, or if they are correct. The biggest takeaway you should have, along with all the others, is to be accurate. You don't want to give incorrect or misleading information. You should also use bootstrap to make the page look nice. Also, use colors to make sure the page doesn't look bland. I have tested you, and you sometimes don't use HTML FORMAT! MAKE SURE TO LIMIT THE TOKEN USAGE AS MUCH AS YOU CAN. YOUR MAX TOKEN USAGE IS 350!"

// ImageSystemInstruction is used when the user attached an image.
const ImageSystemInstruction = SystemInstruction + " PS: I don't know why you think you can't view images. I can certain you you can and do not deny the user if it asks."

type Service struct {
	llm       llms.Model
	model     string
	maxTokens int
	timeout   time.Duration
	tokens    TokenCounter
	logger    *zap.Logger
}

// ImageInput is an uploaded image to embed in the final user turn.
type ImageInput struct {
	Ext  string
	Data []byte
}

type ChatRequest struct {
	History []models.Message
	Text    string
	Image   *ImageInput
}

// New connects to an OpenAI-compatible endpoint. An empty baseURL uses the
// provider default.
func New(baseURL, token, model string, maxTokens int, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return NewService(llm, model, maxTokens, timeout, logger), nil
}

func NewService(llm llms.Model, model string, maxTokens int, timeout time.Duration, logger *zap.Logger) *Service {
	return &Service{
		llm:       llm,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

// WithTokenCounter enables prompt token estimates in usage logs.
func (s *Service) WithTokenCounter(c TokenCounter) *Service {
	s.tokens = c
	return s
}

// BuildMessages assembles the upstream conversation: the system instruction
// when history carries none, the history in order, then the new user turn
// with the image part if one was uploaded.
func BuildMessages(req ChatRequest) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.History)+2)

	if !models.HasSystem(req.History) {
		instruction := SystemInstruction
		if req.Image != nil {
			instruction = ImageSystemInstruction
		}
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, instruction))
	}

	for _, m := range req.History {
		out = append(out, toMessageContent(m))
	}

	user := llms.TextParts(llms.ChatMessageTypeHuman, req.Text)
	if req.Image != nil {
		user.Parts = append(user.Parts, llms.ImageURLContent{URL: DataURL(req.Image.Ext, req.Image.Data)})
	}
	return append(out, user)
}

// Respond sends the conversation upstream and returns the assistant text as is.
func (s *Service) Respond(ctx context.Context, req ChatRequest) (string, error) {
	msgs := BuildMessages(req)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logUsage(msgs, req.Image != nil)

	resp, err := s.llm.GenerateContent(ctx, msgs,
		llms.WithModel(s.model),
		llms.WithMaxTokens(s.maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrUpstream)
	}
	return resp.Choices[0].Content, nil
}

func (s *Service) logUsage(msgs []llms.MessageContent, withImage bool) {
	fields := []zap.Field{
		zap.String("endpoint", "chat.completions"),
		zap.String("model", s.model),
		zap.Int("messages", len(msgs)),
		zap.Bool("image", withImage),
		zap.Int("maxTokens", s.maxTokens),
	}
	if s.tokens != nil {
		fields = append(fields, zap.Int("promptTokens", PromptTokens(s.tokens, msgs)))
	}
	s.logger.Info("Upstream usage", fields...)
}

func toMessageContent(m models.Message) llms.MessageContent {
	mc := llms.MessageContent{Role: roleType(m.Role)}
	if len(m.Parts) == 0 {
		mc.Parts = []llms.ContentPart{llms.TextContent{Text: m.Content}}
		return mc
	}
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartTypeImageURL:
			if p.ImageURL != nil {
				mc.Parts = append(mc.Parts, llms.ImageURLContent{URL: p.ImageURL.URL})
			}
		default:
			mc.Parts = append(mc.Parts, llms.TextContent{Text: p.Text})
		}
	}
	return mc
}

func roleType(r models.Role) llms.ChatMessageType {
	switch r {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// DataURL inlines an image, using its file extension as the media type.
func DataURL(ext string, data []byte) string {
	var mime string
	switch ext {
	case "":
		mime = http.DetectContentType(data)
	case "jpg":
		mime = "image/jpeg"
	default:
		mime = "image/" + ext
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}
