package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

func invokeOpenAI(ctx context.Context, ep endpoint, prompt string, att *Attachment) (string, error) {
	cfg := openai.DefaultConfig(ep.apiKey)
	if ep.baseURL != "" {
		cfg.BaseURL = ep.baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	if url, ok := imageDataURL(att); ok {
		msg = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto}},
			},
		}
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    ep.model,
		Messages: []openai.ChatCompletionMessage{msg},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
