package completion

import (
	"bytes"
	"encoding/base64"
	"image"
	"net/http"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// imageFetchClient fetches remote image URLs with a bounded timeout.
var imageFetchClient = &http.Client{Timeout: 30 * time.Second}

// parseImagePart decodes an image content part into a pixel buffer.
// Supported shapes:
//   - {"type":"image_url","image_url":{"url":"data:image/...;base64,..."}}
//   - {"type":"image_url","image_url":{"url":"https://..."}}
//   - {"type":"image","image":"<base64>"}
//
// Returns nil on any failure; image problems are never fatal to the request.
func (s *Server) parseImagePart(part map[string]any) image.Image {
	partType, _ := part["type"].(string)

	switch partType {
	case "image_url":
		var url string
		switch u := part["image_url"].(type) {
		case string:
			url = u
		case map[string]any:
			url, _ = u["url"].(string)
		}
		if url == "" {
			s.log.Warn().Msg("empty image URL")
			return nil
		}
		switch {
		case strings.HasPrefix(url, "data:"):
			return s.decodeDataURL(url)
		case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
			return s.fetchImage(url)
		default:
			s.log.Warn().Str("url", truncate(url, 50)).Msg("unsupported image URL format")
			return nil
		}
	case "image":
		encoded, _ := part["image"].(string)
		if encoded == "" {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to decode base64 image")
			return nil
		}
		return s.decodeImageBytes(raw)
	}
	return nil
}

// decodeDataURL parses data:image/...;base64,<payload> URLs.
func (s *Server) decodeDataURL(url string) image.Image {
	_, encoded, ok := strings.Cut(url, ",")
	if !ok {
		s.log.Warn().Msg("malformed data URL")
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to decode base64 image")
		return nil
	}
	return s.decodeImageBytes(raw)
}

func (s *Server) fetchImage(url string) image.Image {
	resp, err := imageFetchClient.Get(url)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to download image")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		s.log.Warn().Int("status", resp.StatusCode).Msg("image download failed")
		return nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		s.log.Warn().Err(err).Msg("failed to read image body")
		return nil
	}
	return s.decodeImageBytes(buf.Bytes())
}

func (s *Server) decodeImageBytes(raw []byte) image.Image {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to decode image")
		return nil
	}
	return img
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
