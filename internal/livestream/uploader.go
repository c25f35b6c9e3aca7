package livestream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UploadResult is what the external media host returns for a finished upload.
type UploadResult struct {
	URL             string
	ThumbnailURL    string
	DurationSeconds float64
}

type UploadMetadata struct {
	FileName string
	Preset   string
}

// StorageUploader transmits a finalized recording to external media storage.
type StorageUploader interface {
	Upload(ctx context.Context, rec *Recording, meta UploadMetadata) (*UploadResult, error)
}

// CloudUploader posts recordings to a Cloudinary-style unsigned upload
// endpoint as multipart form data.
type CloudUploader struct {
	endpoint string
	preset   string
	client   *http.Client
	log      *zap.Logger
}

func NewCloudUploader(endpoint, preset string, timeout time.Duration, log *zap.Logger) *CloudUploader {
	return &CloudUploader{
		endpoint: endpoint,
		preset:   preset,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type uploadResponse struct {
	SecureURL string  `json:"secure_url"`
	Duration  float64 `json:"duration"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (u *CloudUploader) Upload(ctx context.Context, rec *Recording, meta UploadMetadata) (*UploadResult, error) {
	if u.endpoint == "" {
		return nil, errors.New("upload endpoint not configured")
	}

	fileName := meta.FileName
	if fileName == "" {
		fileName = fmt.Sprintf("recording_%d.webm", time.Now().UnixMilli())
	}
	preset := meta.Preset
	if preset == "" {
		preset = u.preset
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, errors.Wrap(err, "create form file")
	}
	if _, err := part.Write(rec.Data); err != nil {
		return nil, errors.Wrap(err, "write recording data")
	}
	if err := writer.WriteField("upload_preset", preset); err != nil {
		return nil, errors.Wrap(err, "write upload preset")
	}
	if err := writer.WriteField("resource_type", "video"); err != nil {
		return nil, errors.Wrap(err, "write resource type")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return nil, errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	u.log.Info("uploading recording",
		zap.String("file", fileName),
		zap.Int("bytes", len(rec.Data)))

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "upload request")
	}
	defer resp.Body.Close()

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decode upload response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || result.SecureURL == "" {
		msg := "upload failed"
		if result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return nil, errors.Errorf("%s (status %d)", msg, resp.StatusCode)
	}

	return &UploadResult{
		URL:             result.SecureURL,
		ThumbnailURL:    deriveThumbnailURL(result.SecureURL),
		DurationSeconds: result.Duration,
	}, nil
}

// deriveThumbnailURL points at the first frame of the uploaded video.
func deriveThumbnailURL(mediaURL string) string {
	return strings.Replace(mediaURL, "/video/upload/", "/video/upload/so_0/", 1)
}
