package stage

import (
	"encoding/json"
	"fmt"
)

// DecodePrior decodes the prior stage output carried by req.
func DecodePrior[T any](req Request) (T, error) {
	var out T
	if len(req.PriorStageOutput) == 0 {
		return out, fmt.Errorf("prior stage output is required")
	}
	if err := json.Unmarshal(req.PriorStageOutput, &out); err != nil {
		return out, fmt.Errorf("decode prior stage output: %w", err)
	}
	return out, nil
}
