package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RichardoC/chatgate/internal/quota"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ImageClient is the subset of the OpenAI client used for generation.
type ImageClient interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

type ImageService struct {
	client     ImageClient
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func NewImageClient(baseURL, token string) *openai.Client {
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func NewImageService(client ImageClient, timeout time.Duration, logger *zap.Logger) *ImageService {
	return &ImageService{
		client:     client,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		logger:     logger,
	}
}

// ImageRequestFor maps a quota tier to generation parameters. The reduced
// tier uses the cheaper model at a smaller size.
func ImageRequestFor(prompt string, tier quota.Tier) openai.ImageRequest {
	req := openai.ImageRequest{
		Prompt:         prompt,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	}
	switch tier {
	case quota.TierReduced:
		req.Model = openai.CreateImageModelDallE2
		req.Size = openai.CreateImageSize512x512
	default:
		req.Model = openai.CreateImageModelDallE3
		req.Size = openai.CreateImageSize1024x1024
		req.Quality = openai.CreateImageQualityStandard
	}
	return req
}

// Generate returns the image bytes for prompt at the given tier.
func (s *ImageService) Generate(ctx context.Context, prompt string, tier quota.Tier) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := ImageRequestFor(prompt, tier)
	s.logger.Info("Upstream usage",
		zap.String("endpoint", "images.generations"),
		zap.String("model", req.Model),
		zap.String("size", req.Size),
		zap.String("tier", string(tier)))

	resp, err := s.client.CreateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no image returned", ErrUpstream)
	}

	img := resp.Data[0]
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid image payload: %w", ErrUpstream, err)
		}
		return data, nil
	}
	if img.URL != "" {
		return s.download(ctx, img.URL)
	}
	return nil, fmt.Errorf("%w: empty image data", ErrUpstream)
}

// download fetches an image when the provider ignored the b64 response format.
func (s *ImageService) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download image: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: image download returned status %d", ErrUpstream, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read image: %w", ErrUpstream, err)
	}
	return data, nil
}
