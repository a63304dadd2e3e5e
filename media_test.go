package socialhub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("upload_preset") != "chat" {
			http.Error(w, `{"error":{"message":"Upload preset not found"}}`, http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "bearer token must not reach the asset host", http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"secure_url":        "https://cdn.example.com/" + hdr.Filename,
			"public_id":         "abc123",
			"resource_type":     strings.SplitN(hdr.Header.Get("Content-Type"), "/", 2)[0],
			"bytes":             len(data),
			"original_filename": strings.TrimSuffix(hdr.Filename, filepath.Ext(hdr.Filename)),
		})
	}))
}

func TestMediaUpload(t *testing.T) {
	srv := newMediaServer(t)
	defer srv.Close()
	ctx := context.Background()

	client := NewClient("", WithMedia(MediaConfig{UploadURL: srv.URL, Preset: "chat"}))

	t.Run("upload bytes", func(t *testing.T) {
		var progress []int64
		res, err := client.Media.Upload(ctx, []byte("fake png bytes"), &UploadOptions{
			FileName:   "photo.png",
			OnProgress: func(uploaded, total int64) { progress = append(progress, uploaded) },
		})
		if err != nil {
			t.Fatalf("Upload error: %v", err)
		}
		if res.URL != "https://cdn.example.com/photo.png" {
			t.Errorf("URL = %q", res.URL)
		}
		if res.ResourceType != "image" {
			t.Errorf("ResourceType = %q, want image (content type guessed from extension)", res.ResourceType)
		}
		if res.Bytes != int64(len("fake png bytes")) {
			t.Errorf("Bytes = %d", res.Bytes)
		}
		if len(progress) == 0 || progress[len(progress)-1] != res.Bytes {
			t.Errorf("progress = %v", progress)
		}
	})

	t.Run("progress follows the request body", func(t *testing.T) {
		data := []byte(strings.Repeat("x", 256<<10))
		var (
			mu       sync.Mutex
			progress []int64
		)
		res, err := client.Media.Upload(ctx, data, &UploadOptions{
			FileName: "big.png",
			OnProgress: func(uploaded, total int64) {
				mu.Lock()
				defer mu.Unlock()
				if total != int64(len(data)) {
					t.Errorf("total = %d", total)
				}
				progress = append(progress, uploaded)
			},
		})
		if err != nil {
			t.Fatalf("Upload error: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(progress) < 2 {
			t.Fatalf("expected incremental progress, got %v", progress)
		}
		for i := 1; i < len(progress); i++ {
			if progress[i] <= progress[i-1] {
				t.Fatalf("progress not increasing: %v", progress)
			}
		}
		if last := progress[len(progress)-1]; last != int64(len(data)) || res.Bytes != last {
			t.Errorf("final progress = %d, bytes = %d", last, res.Bytes)
		}
	})

	t.Run("upload attachment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "clip.mp4")
		if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
			t.Fatal(err)
		}
		att, err := client.Media.UploadAttachment(ctx, path)
		if err != nil {
			t.Fatalf("UploadAttachment error: %v", err)
		}
		if att.URL != "https://cdn.example.com/clip.mp4" || att.Name != "clip.mp4" || att.MimeType != "video/mp4" {
			t.Errorf("unexpected attachment: %+v", att)
		}
		if att.Type != "video" || att.Size != 5 {
			t.Errorf("unexpected attachment type/size: %+v", att)
		}
	})

	t.Run("validation", func(t *testing.T) {
		if _, err := client.Media.Upload(ctx, []byte("x"), nil); err == nil {
			t.Error("expected error without file name")
		}
		if _, err := client.Media.Upload(ctx, nil, &UploadOptions{FileName: "a.txt"}); err == nil {
			t.Error("expected error for empty file")
		}
		big := make([]byte, MaxUploadSize+1)
		if _, err := client.Media.Upload(ctx, big, &UploadOptions{FileName: "big.bin"}); err == nil {
			t.Error("expected error for oversize file")
		}
		if _, err := client.Media.UploadFile(ctx, filepath.Join(t.TempDir(), "missing.png"), nil); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("host rejects upload", func(t *testing.T) {
		bad := NewClient("", WithMedia(MediaConfig{UploadURL: srv.URL, Preset: "wrong"}))
		_, err := bad.Media.Upload(ctx, []byte("x"), &UploadOptions{FileName: "a.txt"})
		if err == nil || !strings.Contains(err.Error(), "400") {
			t.Errorf("expected 400 error, got %v", err)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		bare := NewClient("")
		if _, err := bare.Media.Upload(ctx, []byte("x"), &UploadOptions{FileName: "a.txt"}); err == nil {
			t.Error("expected configuration error")
		}
	})
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"photo.JPG":  "image/jpeg",
		"clip.webm":  "video/webm",
		"shot.heic":  "image/heic",
		"movie.mov":  "video/quicktime",
		"noext":      "application/octet-stream",
		"data.zzzzz": "application/octet-stream",
	}
	for name, want := range tests {
		if got := guessMimeType(name); got != want {
			t.Errorf("guessMimeType(%q) = %q, want %q", name, got, want)
		}
	}
}
