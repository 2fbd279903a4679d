// Package metering implements token estimation, quota enforcement, and the
// usage gate that wraps every model call.
package metering

import (
	"math"
	"unicode/utf8"

	"snapsage/internal/types"
)

const (
	// textFloorTokens covers per-message structural overhead; no text segment
	// estimates below this.
	textFloorTokens = 10
	// messageFramingTokens approximates the provider's per-message wrapping.
	messageFramingTokens = 5
	// imageLowDetailTokens is the provider's flat cost for low-detail images.
	imageLowDetailTokens = 85
	// imageBaseTokens plus a per-KB term approximates tiled high-detail cost.
	imageBaseTokens = 170
	// outputUtilization assumes responses use 60% of the output budget.
	outputUtilization = 0.6
)

// EstimateTokens returns a conservative estimate of the total tokens (input
// plus projected output) the given request will consume. Pure and
// deterministic; the result gates admission but is never recorded as truth.
//
// Text is priced at roughly 2 characters per token, a coarse heuristic that
// holds up across mixed-language input. Images are priced from their encoded
// payload size since the real cost depends on tiling the provider performs.
func EstimateTokens(req *types.AssistRequest) int64 {
	total := textEstimate(req.Text)
	if req.Text != "" {
		total += messageFramingTokens
	}
	if req.SystemPrompt != "" {
		total += textEstimate(req.SystemPrompt) + messageFramingTokens
	}
	if req.Context != "" {
		total += textEstimate(req.Context) + messageFramingTokens
	}

	for _, img := range req.Images {
		total += imageEstimate(img)
	}

	total += int64(math.Round(float64(req.MaxOutputTokens) * outputUtilization))
	return total
}

func textEstimate(s string) int64 {
	est := int64(utf8.RuneCountInString(s)) / 2
	if est < textFloorTokens {
		return textFloorTokens
	}
	return est
}

func imageEstimate(img types.ImageInput) int64 {
	if img.Detail == types.ImageDetailLow {
		return imageLowDetailTokens
	}
	return imageBaseTokens + int64(len(img.Data))/1000
}
