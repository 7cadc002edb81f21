package completion

import "inferd/internal/engine"

// Operator-facing request lifecycle logging. These events replace nothing in
// the protocol; they exist for people tailing the daemon.

func (s *Server) logRequestStart(total uint64, requestID string) {
	s.log.Info().
		Uint64("total_requests", total).
		Str("request_id", requestID).
		Msg("request start")
}

func (s *Server) logRequestComplete(requestID string) {
	s.log.Info().
		Str("request_id", requestID).
		Msg("request complete")
}

func (s *Server) logInferenceStats(requestID string, st engine.Stats) {
	generatedTokensTotal.Add(float64(st.OutputTokens))
	s.log.Info().
		Str("request_id", requestID).
		Int("prompt_tokens", st.PromptTokens).
		Int("output_tokens", st.OutputTokens).
		Float64("total_time_s", st.TotalTime).
		Float64("first_token_s", st.FirstTokenTime).
		Float64("tokens_per_s", st.Speed).
		Msg("inference stats")
}
