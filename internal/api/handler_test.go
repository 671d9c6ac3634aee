package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RichardoC/chatgate/internal/auth"
	"github.com/RichardoC/chatgate/internal/llm"
	"github.com/RichardoC/chatgate/internal/models"
	"github.com/RichardoC/chatgate/internal/quota"
	"github.com/RichardoC/chatgate/internal/storage"
	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "secret123"

type fakeModel struct {
	calls int
	got   []llms.MessageContent
	reply string
	err   error
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	f.got = msgs
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type fakeImages struct {
	requested []string
	err       error
}

func (f *fakeImages) CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	f.requested = append(f.requested, req.Model)
	if f.err != nil {
		return openai.ImageResponse{}, f.err
	}
	return openai.ImageResponse{Data: []openai.ImageResponseDataInner{
		{B64JSON: base64.StdEncoding.EncodeToString([]byte("generated-png"))},
	}}, nil
}

type testServer struct {
	handler http.Handler
	model   *fakeModel
	images  *fakeImages
	tracker *quota.Tracker
	attach  *storage.AttachmentStore
	gen     *storage.GeneratedStore
}

func newTestServer(t *testing.T, limit int, opts Options) *testServer {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	attach, err := storage.NewAttachmentStore(filepath.Join(dir, "attachedImgs"), logger)
	if err != nil {
		t.Fatal(err)
	}
	gen, err := storage.NewGeneratedStore(filepath.Join(dir, "generatedImgs"))
	if err != nil {
		t.Fatal(err)
	}

	ts := &testServer{
		model:   &fakeModel{reply: "<p>hello</p>"},
		images:  &fakeImages{},
		tracker: quota.NewTracker(limit),
		attach:  attach,
		gen:     gen,
	}
	ts.handler = NewHandler(Services{
		Chat:        llm.NewService(ts.model, "gpt-4o-mini", 2000, 0, logger),
		Images:      llm.NewImageService(ts.images, 0, logger),
		Quota:       ts.tracker,
		Attachments: attach,
		Generated:   gen,
		Gate:        auth.NewGate(testSecret),
	}, opts, logger).Routes()
	return ts
}

type formFile struct {
	name string
	data []byte
}

func multipartRequest(t *testing.T, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile("image", file.name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(file.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/get-response", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.RemoteAddr = "1.2.3.4:5555"
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func historyJSON(t *testing.T, msgs []models.Message) string {
	t.Helper()
	b, err := json.Marshal(msgs)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestAuthenticate(t *testing.T) {
	ts := newTestServer(t, 5, Options{})

	tests := []struct {
		name   string
		header string
		status int
		key    string
	}{
		{"valid", "Bearer " + testSecret, http.StatusOK, "message"},
		{"wrong token", "Bearer wrong", http.StatusForbidden, "error"},
		{"missing", "", http.StatusUnauthorized, "error"},
		{"wrong scheme", "Token " + testSecret, http.StatusForbidden, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/authenticate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if body := decode(t, rec); body[tt.key] == "" {
				t.Errorf("expected %q in body %v", tt.key, body)
			}
		})
	}
}

func TestGetResponseRequiresAuth(t *testing.T) {
	ts := newTestServer(t, 5, Options{})

	req := multipartRequest(t, map[string]string{"message": "hi"}, nil)
	req.Header.Del("Authorization")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	req = multipartRequest(t, map[string]string{"message": "hi"}, nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if ts.model.calls != 0 {
		t.Error("upstream should not be called without valid credentials")
	}
}

func TestGetResponsePlainChat(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	prior := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "<p>hey</p>"},
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{
		"message":  "how are you?",
		"messages": historyJSON(t, prior),
	}, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["response"]; got != "<p>hello</p>" {
		t.Errorf("unexpected response %q", got)
	}
	if len(ts.model.got) != 4 || ts.model.got[0].Role != llms.ChatMessageTypeSystem {
		t.Fatalf("expected system + 3 messages upstream, got %d", len(ts.model.got))
	}
	for _, m := range ts.model.got {
		for _, p := range m.Parts {
			if _, ok := p.(llms.ImageURLContent); ok {
				t.Error("plain chat must not carry image parts")
			}
		}
	}
}

func TestGetResponseAcceptsLegacyFieldNames(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	prior := []models.Message{{Role: models.RoleUser, Content: "earlier"}}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{
		"message":     "later",
		"messagesArr": historyJSON(t, prior),
		"createImage": "false",
	}, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.model.got) != 3 {
		t.Errorf("expected 3 upstream messages, got %d", len(ts.model.got))
	}
}

func TestGetResponseWithImage(t *testing.T) {
	ts := newTestServer(t, 5, Options{})

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t,
		map[string]string{"message": "what is this?", "messages": "[]"},
		&formFile{name: "photo.jpg", data: []byte("jpeg-bytes")}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	last := ts.model.got[len(ts.model.got)-1]
	if len(last.Parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(last.Parts))
	}
	img, ok := last.Parts[1].(llms.ImageURLContent)
	if !ok {
		t.Fatalf("expected image part, got %T", last.Parts[1])
	}
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	if img.URL != want {
		t.Errorf("unexpected data url %q", img.URL)
	}

	entries, err := os.ReadDir(ts.attach.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected the upload to stay until the sweep, found %d files", len(entries))
	}
}

func TestGetResponseRejectsNonImageUpload(t *testing.T) {
	cases := map[string]formFile{
		"unknown extension":    {name: "script.sh", data: []byte("#!/bin/sh")},
		"extensionless text":   {name: "notes", data: []byte("plain text, not an image")},
		"extensionless empty":  {name: "blank", data: nil},
		"extensionless binary": {name: "blob", data: []byte{0x00, 0x01, 0x02, 0x03}},
	}
	for name, file := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t, 5, Options{})
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, multipartRequest(t,
				map[string]string{"message": "x"}, &file))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if len(ts.model.got) != 0 {
				t.Error("rejected upload must not reach the chat model")
			}
		})
	}
}

func TestGetResponseSniffsExtensionlessImage(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	png := append([]byte("\x89PNG\r\n\x1a\n"), []byte("rest-of-image")...)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t,
		map[string]string{"message": "what is this?"},
		&formFile{name: "pasted", data: png}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	last := ts.model.got[len(ts.model.got)-1]
	img, ok := last.Parts[len(last.Parts)-1].(llms.ImageURLContent)
	if !ok {
		t.Fatalf("expected image part, got %T", last.Parts[len(last.Parts)-1])
	}
	if !strings.HasPrefix(img.URL, "data:image/png;base64,") {
		t.Errorf("unexpected data url %q", img.URL)
	}
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := &Handler{logger: zap.New(core)}

	rec := httptest.NewRecorder()
	h.writeJSON(rec, httptest.NewRequest(http.MethodGet, "/health", nil), http.StatusOK, math.Inf(1))

	if logs.FilterMessage("Failed to encode response").Len() != 1 {
		t.Errorf("expected encode failure to be logged, got %v", logs.All())
	}
}

func TestGetResponseGeneratesImage(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	prior := []models.Message{{Role: models.RoleUser, Content: "hi"}}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{
		"message":       "a red fox",
		"messages":      historyJSON(t, prior),
		"generateImage": "true",
		"fileName":      "fox",
	}, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["response"]; got != GeneratedPrefix+"fox.png" {
		t.Errorf("unexpected response %q", got)
	}
	if ts.model.calls != 0 {
		t.Error("image generation must not call the chat model")
	}
	if n := ts.tracker.Count("1.2.3.4"); n != 1 {
		t.Errorf("expected quota count 1, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(ts.gen.Dir(), "fox.png"))
	if err != nil {
		t.Fatalf("generated file missing: %v", err)
	}
	if string(data) != "generated-png" {
		t.Errorf("unexpected file content %q", data)
	}
}

func TestGenerateImageDowngradesAfterLimit(t *testing.T) {
	ts := newTestServer(t, 1, Options{})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{
			"message":     "tree",
			"createImage": "true",
		}, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	want := []string{openai.CreateImageModelDallE3, openai.CreateImageModelDallE3, openai.CreateImageModelDallE2}
	for i, m := range want {
		if ts.images.requested[i] != m {
			t.Errorf("call %d: expected %s, got %s", i+1, m, ts.images.requested[i])
		}
	}
}

func TestGetResponseBadInput(t *testing.T) {
	ts := newTestServer(t, 5, Options{})

	cases := map[string]map[string]string{
		"bad bool":      {"message": "x", "generateImage": "maybe"},
		"bad history":   {"message": "x", "messages": "{not json"},
		"unknown role":  {"message": "x", "messages": `[{"role":"tool","content":"x"}]`},
		"empty message": {"message": "  "},
		"empty prompt":  {"generateImage": "true"},
	}
	for name, fields := range cases {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, multipartRequest(t, fields, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestGetResponseUpstreamFailure(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	ts.model.err = errors.New("connection reset")

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{"message": "hi"}, nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != "Failed to get response" {
		t.Errorf("expected generic error, got %q", got)
	}
}

func TestGetResponseRateLimited(t *testing.T) {
	ts := newTestServer(t, 5, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{"message": "one"}, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, map[string]string{"message": "two"}, nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

func getImageRequestFor(name string) *http.Request {
	body, _ := json.Marshal(map[string]string{"imgName": name})
	req := httptest.NewRequest(http.MethodPost, "/get-image", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testSecret)
	return req
}

func TestGetImageDownload(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	if _, err := ts.gen.Save("owl.png", []byte("owl")); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, getImageRequestFor("owl.png"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, "owl.png") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if body, _ := io.ReadAll(rec.Body); string(body) != "owl" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestGetImageNotFound(t *testing.T) {
	ts := newTestServer(t, 5, Options{})

	for _, name := range []string{"missing.png", "../secret"} {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, getImageRequestFor(name))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", name, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/get-image", strings.NewReader("nope"))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestGeneratedImagesServedStatically(t *testing.T) {
	ts := newTestServer(t, 5, Options{})
	if _, err := ts.gen.Save("moon.png", []byte("moon")); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, GeneratedPrefix+"moon.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "moon" {
		t.Errorf("expected static image, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t, 5, Options{})

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request ID")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.1" {
		t.Errorf("untrusted: expected remote addr, got %s", got)
	}
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Errorf("trusted: expected forwarded addr, got %s", got)
	}
}
