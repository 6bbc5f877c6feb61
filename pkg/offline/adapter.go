// Package offline binds every stage to local image operations. It stands in
// for the remote services when no credentials are configured.
package offline

import (
	"encoding/json"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

// Endpoint is the pseudo endpoint recorded on offline tasks.
const Endpoint = "offline://local"

// Job is the payload offline adapters hand to the offline client.
type Job struct {
	Op     stage.Kind  `json:"op"`
	Images []string    `json:"images"`
	Style  stage.Style `json:"style,omitempty"`
}

type result struct {
	URL string `json:"url"`
}

// Adapter builds local jobs for one stage.
type Adapter struct {
	kind stage.Kind
}

func (a Adapter) Kind() stage.Kind { return a.kind }

func (a Adapter) BuildRequest(in stage.Inputs) (stage.Request, error) {
	job := Job{Op: a.kind}
	switch a.kind {
	case stage.Segmentation:
		if in.ClientURL == "" {
			return stage.Request{}, failure.InvalidParameter("MissingInput", "segmentation needs the client photo")
		}
		job.Images = []string{in.ClientURL}
	case stage.Fusion:
		if in.PriorURL == "" || in.ReferenceURL == "" {
			return stage.Request{}, failure.InvalidParameter("MissingInput", "fusion needs the segmentation output and the reference photo")
		}
		job.Images = []string{in.ReferenceURL, in.PriorURL}
	case stage.StyleConversion:
		if in.PriorURL == "" {
			return stage.Request{}, failure.InvalidParameter("MissingInput", "style conversion needs the fusion output")
		}
		if in.Style.Prompt() == "" {
			return stage.Request{}, failure.InvalidParameter("UnknownStyle", "unknown style "+string(in.Style))
		}
		job.Images = []string{in.PriorURL}
		job.Style = in.Style
	default:
		return stage.Request{}, failure.Configuration("offline adapter has no stage %s", a.kind)
	}
	return stage.Request{Endpoint: Endpoint, Payload: job}, nil
}

func (a Adapter) ParseResult(payload json.RawMessage) (string, error) {
	var res result
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", failure.Service("MalformedResponse", err, "decode offline result")
	}
	if res.URL == "" {
		return "", failure.Service("EmptyResult", nil, "offline %s produced no url", a.kind)
	}
	return res.URL, nil
}

func (a Adapter) ParseError(code, message string) error {
	return stage.ClassifyError(code, message)
}

// Table binds every stage to its offline adapter.
func Table() stage.Table {
	t := make(stage.Table, len(stage.Order))
	for _, k := range stage.Order {
		t[k] = Adapter{kind: k}
	}
	return t
}
