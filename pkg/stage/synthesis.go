package stage

import (
	"encoding/json"
	"strings"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// SynthesisPath is appended to the DashScope base URL for submissions.
const SynthesisPath = "/services/aigc/image2image/image-synthesis"

// FusionPrompt instructs the model to move the hairstyle of the first image
// onto the person of the second.
const FusionPrompt = "Transfer the hairstyle from the first image onto the person in the second image. " +
	"Keep the second person's facial features, face shape and skin tone completely unchanged. " +
	"Do not alter or deform the face. Replace only the hairstyle and keep every other feature. " +
	"Photorealistic, natural lighting, seamless hair blending, professional quality."

// SynthesisConfig is shared by the adapters that call the image synthesis API.
type SynthesisConfig struct {
	BaseURL   string
	Model     string
	Watermark bool
}

func (c SynthesisConfig) endpoint() string {
	return strings.TrimSuffix(c.BaseURL, "/") + SynthesisPath
}

type synthesisRequest struct {
	Model      string              `json:"model"`
	Input      synthesisInput      `json:"input"`
	Parameters synthesisParameters `json:"parameters"`
}

type synthesisInput struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Images         []string `json:"images"`
}

type synthesisParameters struct {
	N         int  `json:"n"`
	Watermark bool `json:"watermark"`
	Seed      *int `json:"seed,omitempty"`
}

type synthesisResult struct {
	Output struct {
		Results []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
	} `json:"output"`
}

// parseFirstResult selects the first candidate. A candidate that carries a
// code instead of a URL is classified like a task failure.
func parseFirstResult(payload json.RawMessage) (string, error) {
	var res synthesisResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", failure.Service("MalformedResponse", err, "decode synthesis result")
	}
	if len(res.Output.Results) == 0 {
		return "", failure.Service("EmptyResult", nil, "synthesis returned no results")
	}
	first := res.Output.Results[0]
	if first.URL == "" {
		if first.Code != "" {
			return "", ClassifyError(first.Code, first.Message)
		}
		return "", failure.Service("EmptyResult", nil, "first synthesis result has no url")
	}
	return first.URL, nil
}

// FusionAdapter merges the reference hairstyle onto the segmented client.
type FusionAdapter struct {
	SynthesisConfig
}

func (a FusionAdapter) Kind() Kind { return Fusion }

func (a FusionAdapter) BuildRequest(in Inputs) (Request, error) {
	if in.PriorURL == "" || in.ReferenceURL == "" {
		return Request{}, failure.InvalidParameter("MissingInput", "fusion needs the segmentation output and the reference photo")
	}
	return Request{
		Endpoint: a.endpoint(),
		Async:    true,
		Payload: synthesisRequest{
			Model: a.Model,
			Input: synthesisInput{
				Prompt: FusionPrompt,
				Images: []string{in.ReferenceURL, in.PriorURL},
			},
			Parameters: synthesisParameters{N: 1, Watermark: a.Watermark, Seed: in.Seed},
		},
	}, nil
}

func (a FusionAdapter) ParseResult(payload json.RawMessage) (string, error) {
	return parseFirstResult(payload)
}

func (a FusionAdapter) ParseError(code, message string) error {
	return ClassifyError(code, message)
}

// StyleAdapter renders the fused portrait in one of the sketch styles.
type StyleAdapter struct {
	SynthesisConfig
}

func (a StyleAdapter) Kind() Kind { return StyleConversion }

func (a StyleAdapter) BuildRequest(in Inputs) (Request, error) {
	if in.PriorURL == "" {
		return Request{}, failure.InvalidParameter("MissingInput", "style conversion needs the fusion output")
	}
	prompt := in.Style.Prompt()
	if prompt == "" {
		return Request{}, failure.InvalidParameter("UnknownStyle", "unknown style "+string(in.Style))
	}
	return Request{
		Endpoint: a.endpoint(),
		Async:    true,
		Payload: synthesisRequest{
			Model: a.Model,
			Input: synthesisInput{
				Prompt:         prompt,
				NegativePrompt: NegativePrompt,
				Images:         []string{in.PriorURL},
			},
			Parameters: synthesisParameters{N: 1, Watermark: a.Watermark, Seed: in.Seed},
		},
	}, nil
}

func (a StyleAdapter) ParseResult(payload json.RawMessage) (string, error) {
	return parseFirstResult(payload)
}

func (a StyleAdapter) ParseError(code, message string) error {
	return ClassifyError(code, message)
}

// RemoteTable binds every stage to its remote service.
func RemoteTable(segmentationEndpoint string, fusion, style SynthesisConfig) Table {
	return Table{
		Segmentation:    SegmentationAdapter{Endpoint: segmentationEndpoint},
		Fusion:          FusionAdapter{SynthesisConfig: fusion},
		StyleConversion: StyleAdapter{SynthesisConfig: style},
	}
}
