// Package imagegen wraps the external image-generation service: request
// encoding, authentication, response decoding and persistence of the
// returned image bytes as files under the application's storage root.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/config"
	"github.com/storywright/illustration-api/internal/redact"
)

// illustrationsDir is the subdirectory of the storage root that generated
// images are written into. Task records store paths relative to the root,
// e.g. "illustrations/3f2a….png".
const illustrationsDir = "illustrations"

// maxResponseBytes bounds how much of a response body is read. Image
// payloads are base64-encoded, so 64 MiB comfortably covers every supported
// output size while capping a misbehaving server.
const maxResponseBytes = 64 << 20

// predictRequest is the wire format of a generation request.
type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt          string           `json:"prompt"`
	ReferenceImages []referenceImage `json:"referenceImages,omitempty"`
}

type referenceImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio"`
}

// predictResponse is the wire format of a generation response.
type predictResponse struct {
	Predictions []prediction `json:"predictions"`
}

type prediction struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

// Client performs generation calls against the configured endpoint and
// materializes results as files. Safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	apiKey      string
	aspectRatio string
	storageRoot string
	logger      *slog.Logger
}

// NewClient creates a Client from configuration. Missing endpoint or
// credentials fail construction; the pipeline must not start without them.
func NewClient(cfg config.ImageAPIConfig, storageRoot string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint cannot be empty", ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key cannot be empty", ErrInvalidConfig)
	}
	if storageRoot == "" {
		return nil, fmt.Errorf("%w: storage root cannot be empty", ErrInvalidConfig)
	}

	aspectRatio := cfg.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		aspectRatio: aspectRatio,
		storageRoot: storageRoot,
		logger:      logger.With("component", "imagegen_client"),
	}, nil
}

// Generate posts the prompt (plus optional reference images) to the
// generation endpoint, decodes the returned image and writes it to a fresh
// uniquely named file under the storage root. Returns the path of the new
// file relative to the root. Exactly one file is written per successful
// call; existing files are never overwritten.
func (c *Client) Generate(ctx context.Context, prompt string, referenceImages [][]byte) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt cannot be empty", ErrAPIPermanent)
	}

	body, err := c.encodeRequest(prompt, referenceImages)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: failed to build request: %v", ErrAPIPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.DebugContext(ctx, "posting generation request",
		"prompt_length", len(prompt),
		"reference_count", len(referenceImages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and client timeouts land here.
		return "", fmt.Errorf("%w: %s", ErrNetwork, redact.Error(err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response body: %s", ErrNetwork, redact.Error(err))
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.WarnContext(ctx, "generation request rejected",
			"status_code", resp.StatusCode)
		return "", err
	}

	imageData, mimeType, err := decodeImage(respBody)
	if err != nil {
		return "", err
	}

	relPath, err := c.writeImage(imageData, mimeType)
	if err != nil {
		return "", err
	}

	c.logger.InfoContext(ctx, "illustration generated",
		"path", relPath,
		"bytes", len(imageData),
		"mime_type", mimeType)

	return relPath, nil
}

// ReadImage loads a previously generated image by its storage-relative path.
// Used to supply reference images for sequential generation.
func (c *Client) ReadImage(relPath string) ([]byte, error) {
	if relPath == "" {
		return nil, fmt.Errorf("%w: empty image path", ErrStorage)
	}

	data, err := os.ReadFile(filepath.Join(c.storageRoot, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrStorage, relPath, err)
	}
	return data, nil
}

// encodeRequest builds the JSON request body.
func (c *Client) encodeRequest(prompt string, referenceImages [][]byte) ([]byte, error) {
	instance := predictInstance{Prompt: prompt}
	for _, img := range referenceImages {
		if len(img) == 0 {
			continue
		}
		instance.ReferenceImages = append(instance.ReferenceImages, referenceImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(img),
		})
	}

	body, err := json.Marshal(predictRequest{
		Instances: []predictInstance{instance},
		Parameters: predictParameters{
			SampleCount: 1,
			AspectRatio: c.aspectRatio,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode request: %v", ErrAPIPermanent, err)
	}

	return body, nil
}

// classifyStatus maps an HTTP status to the failure taxonomy. 408, 429 and
// 5xx are transient; everything else outside 2xx is permanent (malformed
// request, content policy rejection, auth failure).
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrAPITransient, status)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrAPIPermanent, status)
	}
}

// decodeImage extracts the first prediction carrying image data.
// A response where no prediction has image bytes is a permanent failure.
func decodeImage(body []byte) ([]byte, string, error) {
	var parsed predictResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", fmt.Errorf("%w: malformed JSON: %v", ErrInvalidResponse, err)
	}

	for _, p := range parsed.Predictions {
		if p.BytesBase64Encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.BytesBase64Encoded)
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid base64 image data: %v", ErrInvalidResponse, err)
		}
		return data, p.MimeType, nil
	}

	return nil, "", fmt.Errorf("%w: no image data in any prediction", ErrInvalidResponse)
}

// writeImage persists the image bytes to a fresh uuid-named file and returns
// the storage-relative path in slash form.
func (c *Client) writeImage(data []byte, mimeType string) (string, error) {
	dir := filepath.Join(c.storageRoot, illustrationsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create %s: %v", ErrStorage, illustrationsDir, err)
	}

	name := uuid.New().String() + extensionForMimeType(mimeType)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("%w: failed to write image file: %v", ErrStorage, err)
	}

	return illustrationsDir + "/" + name, nil
}

// extensionForMimeType derives the output file extension, falling back to a
// generic extension for unknown types.
func extensionForMimeType(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}
