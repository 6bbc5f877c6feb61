package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/remotetask"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
)

// Uploader stores produced images.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (storage.UploadedAsset, error)
}

// Client executes offline jobs in process. Every task it returns is already
// terminal, so polling never waits.
type Client struct {
	memory     *storage.MemoryStore
	uploader   Uploader
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient reads inputs from memory (mem:// URLs) or over HTTP and writes
// results through uploader.
func NewClient(memory *storage.MemoryStore, uploader Uploader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		memory:     memory,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

var _ remotetask.TaskClient = (*Client)(nil)

func (c *Client) Submit(ctx context.Context, req remotetask.SubmitRequest) (*remotetask.RemoteTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(failure.KindCanceled, failure.ReasonNone, err, "submit %s", req.Stage)
	}
	job, ok := req.Payload.(Job)
	if !ok {
		return nil, failure.Submission(failure.ReasonInvalidParameter, "InvalidPayload", nil, "offline client got %T", req.Payload)
	}

	start := time.Now()
	url, err := c.execute(ctx, job)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(result{URL: url})
	if err != nil {
		return nil, fmt.Errorf("marshal offline result: %w", err)
	}
	task := remotetask.Completed(req, uuid.NewString(), payload, time.Now().UTC())
	c.logger.Info("offline.execute",
		"stage", req.Stage,
		"task_id", task.TaskID,
		"style", job.Style,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return task, nil
}

func (c *Client) PollUntilTerminal(_ context.Context, task *remotetask.RemoteTask, _ remotetask.PollOptions) (remotetask.TerminalResult, error) {
	return task.Result(), nil
}

func (c *Client) execute(ctx context.Context, job Job) (string, error) {
	switch job.Op {
	case stage.Segmentation:
		if len(job.Images) != 1 {
			return "", failure.InvalidParameter("InvalidParameter", "segmentation takes one image")
		}
		// The client photo is used as its own cut-out.
		return job.Images[0], nil

	case stage.Fusion:
		if len(job.Images) != 2 {
			return "", failure.InvalidParameter("InvalidParameter", "fusion takes two images")
		}
		reference, err := c.load(ctx, job.Images[0])
		if err != nil {
			return "", err
		}
		client, err := c.load(ctx, job.Images[1])
		if err != nil {
			return "", err
		}
		return c.store(ctx, fuse(reference, client))

	case stage.StyleConversion:
		if len(job.Images) != 1 {
			return "", failure.InvalidParameter("InvalidParameter", "style conversion takes one image")
		}
		src, err := c.load(ctx, job.Images[0])
		if err != nil {
			return "", err
		}
		return c.store(ctx, sketch(src, job.Style))
	}
	return "", failure.InvalidParameter("InvalidParameter", "unknown offline op "+string(job.Op))
}

func (c *Client) load(ctx context.Context, url string) (image.Image, error) {
	data, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, failure.InvalidParameter("InvalidImage", fmt.Sprintf("decode %s: %v", url, err))
	}
	return img, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	if storage.IsMemoryURL(url) {
		if c.memory == nil {
			return nil, failure.Configuration("offline client has no memory store for %s", url)
		}
		data, _, err := c.memory.Get(url)
		if err != nil {
			return nil, failure.InvalidParameter("InvalidURL", fmt.Sprintf("%s: %v", url, err))
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.InvalidParameter("InvalidURL", err.Error())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failure.Wrap(failure.KindNetwork, failure.ReasonNetworkError, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure.Service("DownloadFailed", nil, "fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, failure.Wrap(failure.KindNetwork, failure.ReasonNetworkError, err, "read %s", url)
	}
	return data, nil
}

func (c *Client) store(ctx context.Context, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", failure.Service("EncodeFailed", err, "encode offline result")
	}
	asset, err := c.uploader.Upload(ctx, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", err
	}
	return asset.URL, nil
}
