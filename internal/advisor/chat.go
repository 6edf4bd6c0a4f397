package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	apperrors "github.com/savaki/ec2-resizer/internal/errors"
)

const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	groqBaseURL   = "https://api.groq.com/openai/v1"
	openAIBaseURL = "https://api.openai.com/v1"

	defaultGroqModel    = "llama3-70b-8192"
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultAzureVersion = "2024-02-01"

	temperature = 0.2
)

// HTTPClient abstracts outbound HTTP for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatConfig selects the chat-completions provider.
type ChatConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	APIVersion string
	APIKey     string
}

// ChatAdvisor asks an OpenAI-compatible chat-completions endpoint.
type ChatAdvisor struct {
	config     ChatConfig
	endpoint   string
	httpClient HTTPClient
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	N           int           `json:"n"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewChatAdvisor validates config and fills provider defaults. A nil
// httpClient uses an http.Client with a one minute timeout.
func NewChatAdvisor(config ChatConfig, httpClient HTTPClient) (*ChatAdvisor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", config.Provider)
	}

	config.Provider = strings.ToLower(strings.TrimSpace(config.Provider))
	var endpoint string
	switch config.Provider {
	case ProviderGroq, "":
		config.Provider = ProviderGroq
		if config.BaseURL == "" {
			config.BaseURL = groqBaseURL
		}
		if config.Model == "" {
			config.Model = defaultGroqModel
		}
		endpoint = strings.TrimRight(config.BaseURL, "/") + "/chat/completions"

	case ProviderOpenAI:
		if config.BaseURL == "" {
			config.BaseURL = openAIBaseURL
		}
		if config.Model == "" {
			config.Model = defaultOpenAIModel
		}
		endpoint = strings.TrimRight(config.BaseURL, "/") + "/chat/completions"

	case ProviderAzure:
		if config.BaseURL == "" || config.Model == "" {
			return nil, fmt.Errorf("azure provider requires a base URL and deployment model")
		}
		if config.APIVersion == "" {
			config.APIVersion = defaultAzureVersion
		}
		endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(config.BaseURL, "/"),
			url.PathEscape(config.Model),
			url.QueryEscape(config.APIVersion),
		)

	default:
		return nil, fmt.Errorf("unsupported AI provider %q", config.Provider)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}

	return &ChatAdvisor{
		config:     config,
		endpoint:   endpoint,
		httpClient: httpClient,
	}, nil
}

func (a *ChatAdvisor) Name() string {
	return a.config.Provider + ":" + a.config.Model
}

// Suggest returns the model's pick from input.Candidates, trimmed. The caller
// checks that the answer is a real instance type.
func (a *ChatAdvisor) Suggest(ctx context.Context, input SuggestInput) (string, error) {
	answer, err := a.complete(ctx, suggestPrompt(input))
	if err != nil {
		return "", err
	}
	return strings.Trim(answer, " \t\r\n`\"'."), nil
}

func (a *ChatAdvisor) Assess(ctx context.Context, input AssessInput) (*Assessment, error) {
	answer, err := a.complete(ctx, assessPrompt(input))
	if err != nil {
		return nil, err
	}
	return ParseAssessment(answer), nil
}

func (a *ChatAdvisor) complete(ctx context.Context, prompt string) (string, error) {
	logger := zerolog.Ctx(ctx)

	body := chatRequest{
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		N:           1,
	}
	// azure takes the model from the deployment path
	if a.config.Provider != ProviderAzure {
		body.Model = a.config.Model
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.Provider == ProviderAzure {
		req.Header.Set("api-key", a.config.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	logger.Debug().Str("provider", a.config.Provider).Str("model", a.config.Model).Msg("Calling chat completions")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", a.config.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%s returned status %d: %s", a.config.Provider, resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", apperrors.ErrAdvisorEmptyResponse
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
