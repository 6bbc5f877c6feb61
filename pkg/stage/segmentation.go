package stage

import (
	"encoding/json"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// SegmentationAdapter targets a hair segmentation endpoint that answers
// synchronously with the cut-out elements.
type SegmentationAdapter struct {
	Endpoint string
}

type segmentationRequest struct {
	ImageURL string `json:"ImageURL"`
}

type segmentationResponse struct {
	RequestID string `json:"RequestId"`
	Data      struct {
		Elements []struct {
			ImageURL string `json:"ImageURL"`
			Width    int    `json:"Width"`
			Height   int    `json:"Height"`
			X        int    `json:"X"`
			Y        int    `json:"Y"`
		} `json:"Elements"`
	} `json:"Data"`
}

func (a SegmentationAdapter) Kind() Kind { return Segmentation }

func (a SegmentationAdapter) BuildRequest(in Inputs) (Request, error) {
	if in.ClientURL == "" {
		return Request{}, failure.InvalidParameter("MissingInput", "segmentation needs the client photo")
	}
	return Request{
		Endpoint: a.Endpoint,
		Payload:  segmentationRequest{ImageURL: in.ClientURL},
	}, nil
}

func (a SegmentationAdapter) ParseResult(payload json.RawMessage) (string, error) {
	var resp segmentationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", failure.Service("MalformedResponse", err, "decode segmentation response")
	}
	if len(resp.Data.Elements) == 0 || resp.Data.Elements[0].ImageURL == "" {
		return "", failure.Service("EmptyResult", nil, "segmentation returned no elements")
	}
	return resp.Data.Elements[0].ImageURL, nil
}

func (a SegmentationAdapter) ParseError(code, message string) error {
	return ClassifyError(code, message)
}
