package socialhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// MaxUploadSize is the largest file the asset host accepts.
const MaxUploadSize = 50 * 1024 * 1024

// MediaConfig points uploads at the asset host. Uploads are unsigned and
// authorized by the preset, not by the bearer token.
type MediaConfig struct {
	UploadURL string
	Preset    string
}

// MediaClient uploads images and videos for posts, stories and messages.
type MediaClient struct{ c *Client }

// Upload uploads data. FileName in opts is required.
func (m *MediaClient) Upload(ctx context.Context, data []byte, opts *UploadOptions) (*MediaUploadResult, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	cfg := m.c.media
	if cfg.UploadURL == "" || cfg.Preset == "" {
		return nil, fmt.Errorf("media upload is not configured")
	}
	size := int64(len(data))
	if size == 0 {
		return nil, fmt.Errorf("file is empty")
	}
	if size > MaxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}

	ctx, span := m.c.tracer.Start(ctx, "media upload")
	defer span.End()
	span.SetAttributes(attribute.Int64("media.size", size))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("upload_preset", cfg.Preset)
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(opts.FileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(opts.FileName, `"`, "")))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	offset := int64(buf.Len())
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	var body io.Reader = &buf
	if opts.OnProgress != nil {
		body = &progressReader{r: &buf, offset: offset, size: size, report: opts.OnProgress}
	}
	req, err := http.NewRequestWithContext(ctx, "POST", cfg.UploadURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = int64(buf.Len())
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := m.c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	m.c.metrics.observeRequest("POST", "/media/upload", fmt.Sprint(resp.StatusCode), time.Since(start).Seconds())

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var result MediaUploadResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	if result.URL == "" {
		return nil, fmt.Errorf("upload response has no url")
	}

	m.c.log.Debug("media uploaded", zap.String("url", result.URL), zap.Int64("bytes", size))
	return &result, nil
}

// UploadFile uploads a local file. FileName and MimeType are derived from
// the path if not set.
func (m *MediaClient) UploadFile(ctx context.Context, filePath string, opts *UploadOptions) (*MediaUploadResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return m.Upload(ctx, data, opts)
}

// UploadAttachment uploads a local file and returns it as a message attachment.
func (m *MediaClient) UploadAttachment(ctx context.Context, filePath string) (Attachment, error) {
	name := filepath.Base(filePath)
	res, err := m.UploadFile(ctx, filePath, &UploadOptions{FileName: name})
	if err != nil {
		return Attachment{}, err
	}
	return res.Attachment(name, guessMimeType(name)), nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
		".mov": "video/quicktime", ".mp4": "video/mp4",
	}
	if t, ok := fallback[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// progressReader reports how many bytes of the file part have been read
// from the request body. offset is where the file data starts in the body.
type progressReader struct {
	r      io.Reader
	read   int64
	offset int64
	size   int64
	last   int64
	report func(uploaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	uploaded := p.read - p.offset
	if uploaded < 0 {
		uploaded = 0
	}
	if uploaded > p.size {
		uploaded = p.size
	}
	if uploaded > p.last {
		p.last = uploaded
		p.report(uploaded, p.size)
	}
	return n, err
}
