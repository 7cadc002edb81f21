package completion

import (
	"testing"

	"inferd/pkg/types"
)

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }

func TestValidateRequestParams(t *testing.T) {
	cases := []struct {
		name  string
		req   types.ChatCompletionRequest
		param string // "" means valid
	}{
		{"empty request", types.ChatCompletionRequest{}, ""},
		{"temperature low", types.ChatCompletionRequest{Temperature: f(-0.1)}, "temperature"},
		{"temperature high", types.ChatCompletionRequest{Temperature: f(2.1)}, "temperature"},
		{"temperature bounds", types.ChatCompletionRequest{Temperature: f(2.0)}, ""},
		{"top_p low", types.ChatCompletionRequest{TopP: f(-0.5)}, "top_p"},
		{"top_p high", types.ChatCompletionRequest{TopP: f(1.5)}, "top_p"},
		{"top_logprobs high", types.ChatCompletionRequest{TopLogprobs: i(21)}, "top_logprobs"},
		{"top_logprobs ok", types.ChatCompletionRequest{TopLogprobs: i(20)}, ""},
		{"n greater than one", types.ChatCompletionRequest{N: i(2)}, "n"},
		{"n one", types.ChatCompletionRequest{N: i(1)}, ""},
		{"presence penalty", types.ChatCompletionRequest{PresencePenalty: f(2.5)}, "presence_penalty"},
		{"frequency penalty", types.ChatCompletionRequest{FrequencyPenalty: f(-2.5)}, "frequency_penalty"},
		{"frequency penalty bounds", types.ChatCompletionRequest{FrequencyPenalty: f(-2.0)}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRequestParams(&tc.req)
			if tc.param == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected violation on %s", tc.param)
			}
			if err.Code != 400 || err.Param == nil || *err.Param != tc.param {
				t.Fatalf("err=%+v", err)
			}
		})
	}
}

func TestValidateFirstViolationWins(t *testing.T) {
	req := types.ChatCompletionRequest{Temperature: f(9), TopP: f(9)}
	err := validateRequestParams(&req)
	if err == nil || *err.Param != "temperature" {
		t.Fatalf("err=%+v", err)
	}
}
