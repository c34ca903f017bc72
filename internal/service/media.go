package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/device-gateway/internal/transport"
)

const (
	mediaUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxMediaBytes  = 64 << 20
)

var mediaMimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// MediaFetcher downloads broadcast attachments.
type MediaFetcher struct {
	client *http.Client
}

func NewMediaFetcher(timeout time.Duration) *MediaFetcher {
	return &MediaFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch downloads rawURL once. Empty bodies and non-2xx responses are errors.
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) (*transport.Media, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", mediaUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("media request failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded media is empty")
	}

	media := DescribeMedia(rawURL)
	media.Data = data

	log.Debug().
		Str("url", rawURL).
		Int("bytes", len(data)).
		Str("kind", string(media.Kind)).
		Dur("elapsed", time.Since(start)).
		Msg("media downloaded")

	return media, nil
}

// DescribeMedia classifies a URL by its file extension. Unknown extensions
// are sent as documents.
func DescribeMedia(rawURL string) *transport.Media {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))

	media := &transport.Media{FileName: name}
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp":
		media.Kind = transport.MediaImage
	case "mp4", "mov", "avi":
		media.Kind = transport.MediaVideo
	case "mp3", "wav", "ogg", "m4a":
		media.Kind = transport.MediaAudio
		media.MimeType = "audio/mp4"
		return media
	default:
		media.Kind = transport.MediaDocument
	}

	media.MimeType = mediaMimeTypes[ext]
	if media.MimeType == "" {
		media.MimeType = "application/octet-stream"
	}
	return media
}
