package completion

import "inferd/pkg/types"

// validateRequestParams checks sampling knobs against their documented
// ranges. Each knob is validated independently; the first violation wins.
// Unset knobs are never violations.
func validateRequestParams(req *types.ChatCompletionRequest) *types.ErrorResponse {
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return invalidRequestError("temperature must be between 0 and 2", "temperature")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return invalidRequestError("top_p must be between 0 and 1", "top_p")
	}
	if req.TopLogprobs != nil && (*req.TopLogprobs < 0 || *req.TopLogprobs > 20) {
		return invalidRequestError("top_logprobs must be between 0 and 20", "top_logprobs")
	}
	if req.N != nil && *req.N > 1 {
		return invalidRequestError("n > 1 is not supported yet", "n")
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return invalidRequestError("presence_penalty must be between -2 and 2", "presence_penalty")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return invalidRequestError("frequency_penalty must be between -2 and 2", "frequency_penalty")
	}
	return nil
}
