package offline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/remotetask"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
	"github.com/vyvo/hairstyle-transfer/pkg/storage"
)

func portrait(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			shade := c
			shade.R = uint8((int(c.R) + x) % 256)
			img.SetNRGBA(x, y, shade)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func runStage(t *testing.T, c *Client, a stage.Adapter, in stage.Inputs) string {
	t.Helper()
	req, err := a.BuildRequest(in)
	require.NoError(t, err)
	task, err := c.Submit(context.Background(), remotetask.SubmitRequest{Stage: a.Kind(), Endpoint: req.Endpoint, Payload: req.Payload, Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, remotetask.StatusSucceeded, task.Status)

	res, err := c.PollUntilTerminal(context.Background(), task, remotetask.PollOptions{Interval: time.Hour, MaxWait: time.Hour})
	require.NoError(t, err)
	url, err := a.ParseResult(res.Payload)
	require.NoError(t, err)
	return url
}

func TestOfflineStagesProduceStoredImages(t *testing.T) {
	mem := storage.NewMemoryStore()
	up := storage.NewUploader(mem)
	c := NewClient(mem, up, nil)
	table := Table()
	require.NoError(t, table.Validate())

	clientAsset, err := up.Upload(context.Background(), portrait(t, 120, 160, color.NRGBA{R: 10, G: 120, B: 200, A: 255}), "image/png")
	require.NoError(t, err)
	refAsset, err := up.Upload(context.Background(), portrait(t, 90, 90, color.NRGBA{R: 40, G: 20, B: 10, A: 255}), "image/png")
	require.NoError(t, err)

	segURL := runStage(t, c, table[stage.Segmentation], stage.Inputs{ClientURL: clientAsset.URL})
	assert.Equal(t, clientAsset.URL, segURL)

	fusedURL := runStage(t, c, table[stage.Fusion], stage.Inputs{PriorURL: segURL, ReferenceURL: refAsset.URL})
	assert.True(t, storage.IsMemoryURL(fusedURL))

	for _, style := range stage.Styles() {
		styledURL := runStage(t, c, table[stage.StyleConversion], stage.Inputs{PriorURL: fusedURL, Style: style})
		data, ct, err := mem.Get(styledURL)
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", ct)
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 120, cfg.Width, style)
		assert.Equal(t, 160, cfg.Height, style)
	}
}

func TestOfflineMissingInputIsInvalidParameter(t *testing.T) {
	mem := storage.NewMemoryStore()
	c := NewClient(mem, storage.NewUploader(mem), nil)

	_, err := c.Submit(context.Background(), remotetask.SubmitRequest{
		Stage:   stage.Fusion,
		Payload: Job{Op: stage.Fusion, Images: []string{"mem://nope", "mem://missing"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindInvalidParameter})

	_, err = Table()[stage.StyleConversion].BuildRequest(stage.Inputs{PriorURL: "mem://x", Style: "oil"})
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindInvalidParameter})
}

func TestDodgeChannel(t *testing.T) {
	assert.Equal(t, uint8(255), dodgeChannel(10, 255))
	assert.Equal(t, uint8(0), dodgeChannel(0, 100))
	assert.Equal(t, uint8(255), dodgeChannel(200, 200))
	assert.Equal(t, uint8(51), dodgeChannel(50, 5))
}
