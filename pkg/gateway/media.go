package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/h2non/filetype"
)

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload stores a media blob and returns its URL, to be referenced from an
// image/voice/video/file message body. The content type is sniffed from the
// data; the caller's filename is only a display hint.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	contentType := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err = part.Write(data); err != nil {
		return "", err
	}
	if err = writer.Close(); err != nil {
		return "", err
	}

	resp, err := c.newAuthedRequest(http.MethodPost, "/media").
		WithBody(buf.Bytes(), writer.FormDataContentType()).
		Do(ctx)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to upload %s (statusCode=%d)", filename, resp.StatusCode)
	}

	var response uploadResponse
	if err = json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return response.URL, nil
}
