package describe

import (
	"context"
	"math"
	"strings"

	"github.com/menta2k/mask-annotator/pkg/client"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// SimpleTestPrompt checks whether the model can see images at all
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for a label and tags of a cut-out on white background
const DefaultPrompt = `You are shown a single object cut out of a photo and placed on a white background.

Return JSON only:
{
  "label": "string",
  "confidence": 0.0,
  "description": "short neutral sentence (≤ 20 words)",
  "tags": ["tag1", "tag2", "tag3", "tag4", "tag5"]
}

HARD RULES
- "label" is the object category in one or two lowercase words (e.g. "handbag", "backpack", "sneaker").
- "confidence" is in [0,1].
- Ignore the white background; describe only the object.
- Tags: lowercase, concise, colour and material first, no punctuation or duplicates.
- If the cut-out is not recognisable, return:
  {"label":"none","confidence":0.0,"description":"unrecognisable selection","tags":[]}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// maxTags limits how many tags are kept
const maxTags = 5

// Describer labels selected regions with a vision model
type Describer struct {
	client client.VisionClient
	model  string
	prompt string
}

// NewDescriber creates a describer using model on the given vision backend
func NewDescriber(c client.VisionClient, model string) *Describer {
	return &Describer{client: c, model: model, prompt: DefaultPrompt}
}

// WithPrompt returns a copy of the describer using a custom prompt
func (d *Describer) WithPrompt(prompt string) *Describer {
	cp := *d
	cp.prompt = prompt
	return &cp
}

// Describe asks the model about a base64 encoded cut-out
func (d *Describer) Describe(ctx context.Context, imageB64 string) (*types.Description, error) {
	result, err := d.client.DescribeImage(ctx, d.model, d.prompt, imageB64)
	if err != nil {
		return nil, err
	}
	return normalize(result), nil
}

// TestVision checks that the model actually receives the image
func (d *Describer) TestVision(ctx context.Context, imageB64 string) (string, error) {
	return d.client.SimpleQuery(ctx, d.model, SimpleTestPrompt, imageB64)
}

// normalize cleans up model output and downgrades fallback answers to "none"
func normalize(result *types.Description) *types.Description {
	result.Label = strings.ToLower(strings.TrimSpace(result.Label))
	if result.Label == "" {
		result.Label = "none"
	}
	result.Confidence = clamp(result.Confidence, 0, 1)
	if math.IsNaN(result.Confidence) {
		result.Confidence = 0
	}
	result.Description = strings.TrimSpace(result.Description)
	result.Tags = normalizeTags(result.Tags)

	fallbackIndicators := []string{"unknown", "unclear", "fallback", "parse", "non-json"}
	for _, indicator := range fallbackIndicators {
		if strings.Contains(result.Label, indicator) {
			result.Label = "none"
			result.Confidence = 0
			break
		}
	}
	if result.Label == "none" {
		result.Confidence = 0
	}
	return result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeTags lowercases, de-duplicates and limits tags
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, maxTags)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
