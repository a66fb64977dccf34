package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

const ctxMediaImages toolContextKey = "tool_media_images"

// WithMediaImages stores the current message's images for read_image.
func WithMediaImages(ctx context.Context, images []providers.ImageContent) context.Context {
	return context.WithValue(ctx, ctxMediaImages, images)
}

func MediaImagesFromCtx(ctx context.Context) []providers.ImageContent {
	v, _ := ctx.Value(ctxMediaImages).([]providers.ImageContent)
	return v
}

// visionProviderPriority is the order in which providers are tried for vision.
var visionProviderPriority = []string{"openrouter", "gemini", "anthropic"}

// visionModelOverrides maps provider names to preferred vision models.
// Providers not listed use their default model.
var visionModelOverrides = map[string]string{
	"openrouter": "google/gemini-2.5-flash-image",
}

// ReadImageTool describes images attached to the current message using a
// vision-capable provider. Useful for text-only primary models.
type ReadImageTool struct {
	registry *providers.Registry
}

func NewReadImageTool(registry *providers.Registry) *ReadImageTool {
	return &ReadImageTool{registry: registry}
}

func (t *ReadImageTool) Name() string { return "read_image" }

func (t *ReadImageTool) Description() string {
	return "Analyze images attached to the current message using a vision model. Use this when you see <media:image> tags but cannot view images directly."
}

func (t *ReadImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "What you want to know about the image(s). E.g. 'Describe this image in detail' or 'What text is in this image?'",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *ReadImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = "Describe this image in detail."
	}

	images := MediaImagesFromCtx(ctx)
	if len(images) == 0 {
		return ErrorResult("No images available in this conversation. The user may not have sent an image.")
	}

	provider, model, err := t.resolveVisionProvider()
	if err != nil {
		return ErrorResult(err.Error())
	}

	slog.Info("read_image.vision_call", "provider", provider.Name(), "model", model, "images", len(images))

	temperature := 0.3
	resp, err := provider.Stream(ctx, providers.StreamRequest{
		Messages: []providers.Message{
			{Role: "user", Content: prompt, Images: images},
		},
		Model:       model,
		MaxTokens:   1024,
		Temperature: &temperature,
	}, func(providers.StreamEvent) {})
	if err != nil {
		return ErrorResult(fmt.Sprintf("Vision provider error: %v", err))
	}
	return NewResult(resp.Content)
}

// resolveVisionProvider finds the first configured vision-capable provider.
func (t *ReadImageTool) resolveVisionProvider() (providers.Provider, string, error) {
	for _, name := range visionProviderPriority {
		p, err := t.registry.Get(name)
		if err != nil {
			continue
		}
		model := p.DefaultModel()
		if override, ok := visionModelOverrides[name]; ok {
			model = override
		}
		return p, model, nil
	}
	return nil, "", fmt.Errorf("no vision-capable provider available (need one of: %v)", visionProviderPriority)
}
