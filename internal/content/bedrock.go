package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockGenerator drafts conversational warmup content with a Bedrock
// Claude model.
type BedrockGenerator struct {
	client  *bedrockruntime.Client
	modelID string
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

const draftSystemPrompt = `You write short, natural, personal emails between two colleagues.
Respond ONLY with a JSON object: {"subject": "...", "body": "..."}.
Keep the subject under 8 words and the body under 80 words.
No links, no attachments, no marketing language.`

// NewBedrockGenerator creates the generator using the default AWS
// credential chain for the given region.
func NewBedrockGenerator(ctx context.Context, region, modelID string) (*BedrockGenerator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	return &BedrockGenerator{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Generate drafts an opener for the pair.
func (g *BedrockGenerator) Generate(ctx context.Context, req Request) (*Draft, error) {
	prompt := fmt.Sprintf(
		"Write an email from %s to %s. Topic hint: %s.",
		req.SenderName, req.ReceiverName, orDefault(req.Topic, "a light work check-in"))
	return g.invoke(ctx, prompt)
}

// GenerateReply drafts a response to the original message.
func (g *BedrockGenerator) GenerateReply(ctx context.Context, req Request, original *Draft) (*Draft, error) {
	var orig string
	if original != nil {
		orig = fmt.Sprintf("Subject: %s\n\n%s", original.Subject, original.Body)
	}
	prompt := fmt.Sprintf(
		"Write a brief, friendly reply from %s to %s to this email:\n\n%s",
		req.SenderName, req.ReceiverName, orig)
	return g.invoke(ctx, prompt)
}

func (g *BedrockGenerator) invoke(ctx context.Context, prompt string) (*Draft, error) {
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        400,
		System:           draftSystemPrompt,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: prompt}}},
		},
		Temperature: 0.8,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse bedrock response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("empty bedrock response")
	}

	return parseDraftJSON(resp.Content[0].Text)
}

// parseDraftJSON extracts the draft object from the model text, which
// may wrap the JSON in prose or a code fence.
func parseDraftJSON(text string) (*Draft, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var draft Draft
	if err := json.Unmarshal([]byte(text[start:end+1]), &struct {
		Subject *string `json:"subject"`
		Body    *string `json:"body"`
	}{&draft.Subject, &draft.Body}); err != nil {
		return nil, fmt.Errorf("failed to parse draft: %w", err)
	}
	if draft.Subject == "" || draft.Body == "" {
		return nil, fmt.Errorf("draft missing subject or body")
	}
	return &draft, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
