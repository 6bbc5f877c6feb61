package stage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

func marshal(t *testing.T, v any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSegmentationUsesClientPhotoOnly(t *testing.T) {
	a := SegmentationAdapter{Endpoint: "https://seg.example.com/segment-hair"}
	req, err := a.BuildRequest(Inputs{ClientURL: "https://b/client.jpg", ReferenceURL: "https://b/ref.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://seg.example.com/segment-hair", req.Endpoint)
	assert.False(t, req.Async)
	assert.Equal(t, map[string]any{"ImageURL": "https://b/client.jpg"}, marshal(t, req.Payload))

	_, err = a.BuildRequest(Inputs{})
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindInvalidParameter})
}

func TestSegmentationParseResultTakesFirstElement(t *testing.T) {
	payload := json.RawMessage(`{"RequestId":"r1","Data":{"Elements":[
		{"ImageURL":"https://seg/first.png","Width":300,"Height":400,"X":1,"Y":2},
		{"ImageURL":"https://seg/second.png"}]}}`)
	url, err := SegmentationAdapter{}.ParseResult(payload)
	require.NoError(t, err)
	assert.Equal(t, "https://seg/first.png", url)

	_, err = SegmentationAdapter{}.ParseResult(json.RawMessage(`{"Data":{"Elements":[]}}`))
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindService})
}

func TestFusionOrdersReferenceBeforeSegmentedClient(t *testing.T) {
	seed := 42
	a := FusionAdapter{SynthesisConfig{BaseURL: "https://dashscope.example.com/api/v1/", Model: "wan2.5-i2i-preview"}}
	req, err := a.BuildRequest(Inputs{PriorURL: "https://seg/hair.png", ReferenceURL: "https://b/ref.jpg", Seed: &seed})
	require.NoError(t, err)

	assert.Equal(t, "https://dashscope.example.com/api/v1/services/aigc/image2image/image-synthesis", req.Endpoint)
	assert.True(t, req.Async)
	body := marshal(t, req.Payload)
	assert.Equal(t, "wan2.5-i2i-preview", body["model"])
	input := body["input"].(map[string]any)
	assert.Equal(t, []any{"https://b/ref.jpg", "https://seg/hair.png"}, input["images"])
	assert.Equal(t, FusionPrompt, input["prompt"])
	assert.NotContains(t, input, "negative_prompt")
	params := body["parameters"].(map[string]any)
	assert.Equal(t, float64(1), params["n"])
	assert.Equal(t, false, params["watermark"])
	assert.Equal(t, float64(42), params["seed"])

	_, err = a.BuildRequest(Inputs{PriorURL: "https://seg/hair.png"})
	assert.Error(t, err)
}

func TestStyleAdapterUsesTemplate(t *testing.T) {
	a := StyleAdapter{SynthesisConfig{BaseURL: "https://ds/api/v1", Model: "m"}}
	for _, s := range Styles() {
		req, err := a.BuildRequest(Inputs{PriorURL: "https://ds/fused.png", Style: s})
		require.NoError(t, err, s)
		assert.True(t, req.Async)
		input := marshal(t, req.Payload)["input"].(map[string]any)
		assert.Equal(t, s.Prompt(), input["prompt"])
		assert.Equal(t, NegativePrompt, input["negative_prompt"])
		assert.Equal(t, []any{"https://ds/fused.png"}, input["images"])
	}

	_, err := a.BuildRequest(Inputs{PriorURL: "https://ds/fused.png", Style: "watercolor"})
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindInvalidParameter})
}

func TestSynthesisParseResultSelectsFirstCandidate(t *testing.T) {
	payload := json.RawMessage(`{"output":{"task_status":"SUCCEEDED","results":[{"url":"https://ds/a.png"},{"url":"https://ds/b.png"}]}}`)
	url, err := StyleAdapter{}.ParseResult(payload)
	require.NoError(t, err)
	assert.Equal(t, "https://ds/a.png", url)

	blocked := json.RawMessage(`{"output":{"results":[{"code":"DataInspectionFailed","message":"Output data may contain inappropriate content."}]}}`)
	_, err = FusionAdapter{}.ParseResult(blocked)
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindContentModeration})
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		code string
		want failure.Kind
	}{
		{"DataInspectionFailed", failure.KindContentModeration},
		{"IPInfringementSuspect", failure.KindContentModeration},
		{"InvalidParameter", failure.KindInvalidParameter},
		{"InvalidParameter.DataInspection", failure.KindContentModeration},
		{"InvalidImage.Resolution", failure.KindInvalidParameter},
		{"InvalidURL", failure.KindInvalidParameter},
		{"InternalError", failure.KindService},
		{"", failure.KindService},
	}
	for _, tc := range cases {
		err := FusionAdapter{}.ParseError(tc.code, "remote says no")
		assert.Equal(t, tc.want, failure.KindOf(err), tc.code)
	}
}

func TestParseStyle(t *testing.T) {
	s, err := ParseStyle("", "")
	require.NoError(t, err)
	assert.Equal(t, StyleArtistic, s)

	s, err = ParseStyle(" Pencil ", StyleColored)
	require.NoError(t, err)
	assert.Equal(t, StylePencil, s)

	s, err = ParseStyle("", StyleColored)
	require.NoError(t, err)
	assert.Equal(t, StyleColored, s)

	_, err = ParseStyle("oil", "")
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindInvalidParameter})
}

func TestTableValidate(t *testing.T) {
	table := RemoteTable("https://seg", SynthesisConfig{}, SynthesisConfig{})
	require.NoError(t, table.Validate())

	delete(table, Fusion)
	assert.ErrorIs(t, table.Validate(), &failure.Error{Kind: failure.KindConfiguration})

	table[Fusion] = StyleAdapter{}
	assert.Error(t, table.Validate())
}

func TestSeedForIsStable(t *testing.T) {
	a := SeedFor([]byte("client photo"))
	assert.Equal(t, a, SeedFor([]byte("client photo")))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 10000)
}
