package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	apperrors "github.com/savaki/ec2-resizer/internal/errors"
	"github.com/savaki/ec2-resizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return nil, errors.New("doFunc not set")
}

func chatReply(status int, content ...string) *http.Response {
	var out chatResponse
	for _, c := range content {
		out.Choices = append(out.Choices, struct {
			Message chatMessage `json:"message"`
		}{Message: chatMessage{Role: "assistant", Content: c}})
	}
	data, _ := json.Marshal(out)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestParseAssessment(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		decision string
		reason   string
		valid    bool
	}{
		{
			name:     "valid",
			text:     "VALID. The t3.large offers more resources.",
			decision: "VALID",
			reason:   "The t3.large offers more resources.",
			valid:    true,
		},
		{
			name:     "not valid lower case",
			text:     "  not_valid. This is a downgrade.",
			decision: "NOT_VALID",
			reason:   "This is a downgrade.",
		},
		{
			name:     "no reason",
			text:     "VALID",
			decision: "VALID",
			reason:   "No reason provided.",
			valid:    true,
		},
		{
			name:     "unexpected",
			text:     "Maybe. It depends",
			decision: "MAYBE",
			reason:   "It depends",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAssessment(tt.text)
			assert.Equal(t, tt.decision, got.Decision)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.valid, got.Valid)
		})
	}
}

func TestNewChatAdvisor(t *testing.T) {
	tests := []struct {
		name     string
		config   ChatConfig
		endpoint string
		advisor  string
		wantErr  bool
	}{
		{
			name:     "groq default",
			config:   ChatConfig{APIKey: "k"},
			endpoint: "https://api.groq.com/openai/v1/chat/completions",
			advisor:  "groq:llama3-70b-8192",
		},
		{
			name:     "openai",
			config:   ChatConfig{Provider: "OpenAI", APIKey: "k", Model: "gpt-4o"},
			endpoint: "https://api.openai.com/v1/chat/completions",
			advisor:  "openai:gpt-4o",
		},
		{
			name:     "azure",
			config:   ChatConfig{Provider: "azure", APIKey: "k", Model: "gpt4", BaseURL: "https://gw.example/v1/app-1/", APIVersion: "2023-05-15"},
			endpoint: "https://gw.example/v1/app-1/openai/deployments/gpt4/chat/completions?api-version=2023-05-15",
			advisor:  "azure:gpt4",
		},
		{name: "azure missing base", config: ChatConfig{Provider: "azure", APIKey: "k", Model: "gpt4"}, wantErr: true},
		{name: "missing key", config: ChatConfig{Provider: "groq"}, wantErr: true},
		{name: "unknown provider", config: ChatConfig{Provider: "bard", APIKey: "k"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewChatAdvisor(tt.config, &mockHTTPClient{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, a.endpoint)
			assert.Equal(t, tt.advisor, a.Name())
		})
	}
}

func TestChatAdvisor_Suggest(t *testing.T) {
	var captured chatRequest
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer gsk-test", req.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&captured))
			return chatReply(http.StatusOK, " `t3.small`\n"), nil
		},
	}

	a, err := NewChatAdvisor(ChatConfig{Provider: "groq", APIKey: "gsk-test"}, client)
	require.NoError(t, err)

	candidates := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		candidates = append(candidates, "t3.fake"+strings.Repeat("x", i))
	}
	candidates[0] = "t3.small"

	got, err := a.Suggest(context.Background(), SuggestInput{
		CurrentType:  "t3.medium",
		Architecture: "x86_64",
		Decision:     models.DecisionDowngrade,
		Candidates:   candidates,
	})
	require.NoError(t, err)
	assert.Equal(t, "t3.small", got)

	assert.Equal(t, "llama3-70b-8192", captured.Model)
	assert.Equal(t, 0.2, captured.Temperature)
	require.Len(t, captured.Messages, 1)
	prompt := captured.Messages[0].Content
	assert.Contains(t, prompt, "Action recommended: DOWNGRADE")
	assert.Contains(t, prompt, "Instance family: t3")
	assert.Contains(t, prompt, candidates[MaxCandidates-1])
	assert.NotContains(t, prompt, candidates[MaxCandidates]+",")
}

func TestChatAdvisor_Assess(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "azure-key", req.Header.Get("api-key"))
			assert.Empty(t, req.Header.Get("Authorization"))

			var body chatRequest
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Empty(t, body.Model)
			assert.Contains(t, body.Messages[0].Content, "is NOT available for this architecture")
			assert.Contains(t, body.Messages[0].Content, "are in DIFFERENT families")
			return chatReply(http.StatusOK, "NOT_VALID. Graviton types need arm64 images."), nil
		},
	}

	a, err := NewChatAdvisor(ChatConfig{Provider: "azure", APIKey: "azure-key", Model: "gpt4", BaseURL: "https://gw.example"}, client)
	require.NoError(t, err)

	got, err := a.Assess(context.Background(), AssessInput{
		CurrentType:      "t3.medium",
		RequestedType:    "t4g.large",
		Architecture:     "x86_64",
		OperatingSystem:  "Linux/UNIX",
		AvailableForArch: false,
		SizeIncrease:     true,
	})
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Equal(t, "Graviton types need arm64 images.", got.Reason)
}

func TestChatAdvisor_Errors(t *testing.T) {
	tests := []struct {
		name    string
		resp    *http.Response
		err     error
		wantErr error
	}{
		{name: "empty choices", resp: chatReply(http.StatusOK), wantErr: apperrors.ErrAdvisorEmptyResponse},
		{name: "bad status", resp: chatReply(http.StatusTooManyRequests, "slow down")},
		{name: "transport", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockHTTPClient{
				doFunc: func(req *http.Request) (*http.Response, error) {
					return tt.resp, tt.err
				},
			}
			a, err := NewChatAdvisor(ChatConfig{Provider: "openai", APIKey: "k"}, client)
			require.NoError(t, err)

			_, err = a.Suggest(context.Background(), SuggestInput{CurrentType: "m5.large", Decision: models.DecisionUpgrade})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRuleAdvisor_Suggest(t *testing.T) {
	candidates := []string{"t3.micro", "t3.small", "t3.medium", "t3.large", "t4g.xlarge"}

	tests := []struct {
		name     string
		current  string
		decision models.Decision
		want     string
	}{
		{name: "downgrade", current: "t3.medium", decision: models.DecisionDowngrade, want: "t3.small"},
		{name: "upgrade", current: "t3.medium", decision: models.DecisionUpgrade, want: "t3.large"},
		{name: "upgrade to compatible family", current: "t3.large", decision: models.DecisionUpgrade, want: "t4g.xlarge"},
		{name: "retain", current: "t3.medium", decision: models.DecisionRetain, want: ""},
		{name: "nothing smaller", current: "t3.micro", decision: models.DecisionDowngrade, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RuleAdvisor{}.Suggest(context.Background(), SuggestInput{
				CurrentType: tt.current,
				Decision:    tt.decision,
				Candidates:  candidates,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleAdvisor_Assess(t *testing.T) {
	tests := []struct {
		current   string
		requested string
		available bool
		valid     bool
	}{
		{current: "t2.micro", requested: "t2.medium", available: true, valid: true},
		{current: "t2.micro", requested: "c5.large", available: true, valid: false},
		{current: "t2.micro", requested: "t3.micro", available: true, valid: true},
		{current: "t3.small", requested: "m5.large", available: true, valid: false},
		{current: "t2.large", requested: "t2.medium", available: true, valid: false},
		{current: "t2.large", requested: "t2.large", available: true, valid: false},
		{current: "t3.small", requested: "t4g.small", available: false, valid: false},
		{current: "t3.small", requested: "bogus", available: true, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.current+"->"+tt.requested, func(t *testing.T) {
			got, err := RuleAdvisor{}.Assess(context.Background(), AssessInput{
				CurrentType:      tt.current,
				RequestedType:    tt.requested,
				Architecture:     "x86_64",
				AvailableForArch: tt.available,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.valid, got.Valid, got.Reason)
			if tt.valid {
				assert.Equal(t, models.CompatibilityValid, got.Decision)
			} else {
				assert.Equal(t, models.CompatibilityNotValid, got.Decision)
			}
		})
	}
}
