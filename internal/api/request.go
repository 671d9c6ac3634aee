package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/RichardoC/chatgate/internal/models"
)

var ErrBadRequest = errors.New("bad request")

// Kind is the upstream call a /get-response request resolves to.
type Kind int

const (
	KindChatOnly Kind = iota
	KindChatWithImage
	KindGenerateImage
)

func (k Kind) String() string {
	switch k {
	case KindChatWithImage:
		return "chat_with_image"
	case KindGenerateImage:
		return "generate_image"
	default:
		return "chat_only"
	}
}

const multipartMemory = 8 << 20

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

type ParsedRequest struct {
	Kind     Kind
	Message  string
	History  []models.Message
	Image    *multipart.FileHeader
	FileName string
}

// ParseRequest reads the /get-response form into a typed request. Field
// aliases used by older browser clients are accepted.
func ParseRequest(r *http.Request) (*ParsedRequest, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			return nil, err
		}
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
	}

	req := &ParsedRequest{
		Message:  r.FormValue("message"),
		FileName: strings.TrimSpace(formValue(r, "fileName", "userFileName")),
	}

	if raw := formValue(r, "messages", "messagesArr"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.History); err != nil {
			return nil, fmt.Errorf("%w: messages is not a valid message list: %v", ErrBadRequest, err)
		}
		for i, m := range req.History {
			if !m.Role.Valid() {
				return nil, fmt.Errorf("%w: message %d has unknown role %q", ErrBadRequest, i, m.Role)
			}
		}
	}

	generate := false
	if raw := formValue(r, "generateImage", "createImage"); raw != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: generateImage must be true or false", ErrBadRequest)
		}
		generate = b
	}

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["image"]; len(files) > 0 {
			req.Image = files[0]
		}
	}

	switch {
	case generate:
		req.Kind = KindGenerateImage
		if strings.TrimSpace(req.Message) == "" {
			return nil, fmt.Errorf("%w: an image prompt is required", ErrBadRequest)
		}
	case req.Image != nil:
		req.Kind = KindChatWithImage
		if err := checkImage(req.Image); err != nil {
			return nil, err
		}
	default:
		req.Kind = KindChatOnly
		if strings.TrimSpace(req.Message) == "" {
			return nil, fmt.Errorf("%w: message is required", ErrBadRequest)
		}
	}
	return req, nil
}

// checkImage accepts an upload by extension, or by its sniffed content type
// when the name has no extension.
func checkImage(fh *multipart.FileHeader) error {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext != "" {
		if !imageExts[ext] {
			return fmt.Errorf("%w: unsupported image type", ErrBadRequest)
		}
		return nil
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	if ct := http.DetectContentType(head[:n]); !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("%w: unsupported image type %q", ErrBadRequest, ct)
	}
	return nil
}

func formValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := r.FormValue(k); v != "" {
			return v
		}
	}
	return ""
}
