package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/PabloGalante/policydesk/internal/domain"
)

const DefaultModel = "gemini-2.5-flash"

var _ domain.DraftEditor = (*GeminiEditor)(nil)

type GeminiEditor struct {
	client    *genai.Client
	modelName string
}

// NewGeminiEditor creates a DraftEditor backed by Gemini on Vertex AI.
func NewGeminiEditor(ctx context.Context, projectID, location, modelName string) (*GeminiEditor, error) {
	if projectID == "" || location == "" {
		return nil, fmt.Errorf("gcp project and location are required for the Gemini editor")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Vertex AI client: %w", err)
	}

	return &GeminiEditor{
		client:    client,
		modelName: modelName,
	}, nil
}

// EditDraft implements domain.DraftEditor.
func (g *GeminiEditor) EditDraft(ctx context.Context, content, instruction string) (string, error) {
	prompt := BuildEditPrompt(content, instruction)

	// Low temperature: the draft should change only where the instruction asks.
	temp := float32(0.2)
	outputTokens := int32(8192)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt.System, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   outputTokens,
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt.User, genai.RoleUser)}

	res, err := g.client.Models.GenerateContent(ctx, g.modelName, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	return stripFence(text), nil
}

// stripFence removes a markdown code fence the model sometimes wraps its answer in.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") {
		return text
	}
	text = strings.TrimSuffix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	return strings.TrimSpace(text)
}
