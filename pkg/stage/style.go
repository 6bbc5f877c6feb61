package stage

import (
	"strings"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// Style selects the instruction template of the style conversion stage.
type Style string

const (
	StylePencil   Style = "pencil"
	StyleDetailed Style = "detailed"
	StyleArtistic Style = "artistic"
	StyleColored  Style = "colored"
)

// DefaultStyle applies when the caller gives none.
const DefaultStyle = StyleArtistic

var styleTemplates = map[Style]string{
	StylePencil: "Convert this photo into a pencil sketch. Keep every facial feature " +
		"of the person fully clear, with fine lines and soft shading.",
	StyleDetailed: "A richly detailed sketch drawing that emphasises contours and shadows. " +
		"Keep the person's features consistent, professional sketching technique.",
	StyleArtistic: "Artistic sketch style with black and white lines and strong contrast. " +
		"Keep the person's facial features clear, refined artistic feel.",
	StyleColored: "Coloured sketch style that keeps suitable colour with clearly visible " +
		"sketch lines. Keep the person's features unchanged, artistic beauty.",
}

// NegativePrompt is sent with every style conversion request.
const NegativePrompt = "low resolution, blurry, distorted, deformed, altered facial features"

// Styles lists the accepted styles in a stable order.
func Styles() []Style {
	return []Style{StylePencil, StyleDetailed, StyleArtistic, StyleColored}
}

// ParseStyle accepts a style name case-insensitively. An empty name selects
// fallback.
func ParseStyle(name string, fallback Style) (Style, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		if fallback == "" {
			return DefaultStyle, nil
		}
		name = string(fallback)
	}
	s := Style(name)
	if _, ok := styleTemplates[s]; !ok {
		return "", failure.InvalidParameter("UnknownStyle", "unknown style "+name)
	}
	return s, nil
}

// Prompt returns the instruction template for s.
func (s Style) Prompt() string {
	return styleTemplates[s]
}
