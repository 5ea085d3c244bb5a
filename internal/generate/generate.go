// Package generate wires the configured content-generator provider. The
// provider boundary itself (models.Generator) is prompt-in, token-stream-out;
// everything behind it is opaque to the pipeline.
package generate

import "errors"

var (
	ErrProviderUnavailable = errors.New("generator provider unavailable")
	ErrGenerationTimeout   = errors.New("generation timeout")
	ErrInvalidResponse     = errors.New("generator returned invalid response")
)
