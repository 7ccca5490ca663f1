package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

// Default processing times of the built-in handlers
const (
	DefaultDataDelay  = 5 * time.Second
	DefaultImageDelay = 10 * time.Second
)

// DataPayload is the payload of a "data" job
type DataPayload struct {
	Data *string `json:"data"`
}

// ImagePayload is the payload of an "image" job
type ImagePayload struct {
	ImageURL *string `json:"image_url"`
}

// DataHandler upper-cases the submitted text
type DataHandler struct {
	Delay time.Duration
}

func (h *DataHandler) ValidatePayload(payload json.RawMessage) error {
	_, err := parseData(payload)
	return err
}

func (h *DataHandler) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	data, err := parseData(payload)
	if err != nil {
		return nil, err
	}

	if err := sleep(ctx, h.Delay); err != nil {
		return nil, err
	}

	return json.Marshal("Processed data: " + strings.ToUpper(data))
}

func parseData(payload json.RawMessage) (string, error) {
	var p DataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", domain.NewValidationError("payload", "must be a JSON object", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}
	if p.Data == nil {
		return "", domain.NewValidationError("payload", "Missing 'data' in payload", domain.ErrInvalidPayload)
	}
	return *p.Data, nil
}

// ImageHandler stands in for fetching and transforming an image
type ImageHandler struct {
	Delay time.Duration
}

func (h *ImageHandler) ValidatePayload(payload json.RawMessage) error {
	_, err := parseImage(payload)
	return err
}

func (h *ImageHandler) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	imageURL, err := parseImage(payload)
	if err != nil {
		return nil, err
	}

	if err := sleep(ctx, h.Delay); err != nil {
		return nil, err
	}

	return json.Marshal("Processed image from URL: " + imageURL)
}

func parseImage(payload json.RawMessage) (string, error) {
	var p ImagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", domain.NewValidationError("payload", "must be a JSON object", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}
	if p.ImageURL == nil {
		return "", domain.NewValidationError("payload", "Missing 'image_url' in payload", domain.ErrInvalidPayload)
	}
	u, err := url.Parse(*p.ImageURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", domain.NewValidationError("payload", "'image_url' must be an absolute URL", domain.ErrInvalidPayload)
	}
	return *p.ImageURL, nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job execution canceled: %w", ctx.Err())
	}
}

// RegisterBuiltins registers the "data" and "image" handlers
func RegisterBuiltins(r *Registry, dataDelay, imageDelay time.Duration) error {
	if err := r.Register(domain.JobTypeData, &DataHandler{Delay: dataDelay}); err != nil {
		return err
	}
	return r.Register(domain.JobTypeImage, &ImageHandler{Delay: imageDelay})
}
