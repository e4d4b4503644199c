package llm

import (
	"context"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"
)

func invokeEino(ctx context.Context, ep endpoint, timeout time.Duration, prompt string, att *Attachment) (string, error) {
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: ep.baseURL,
		APIKey:  ep.apiKey,
		Model:   ep.model,
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	msg, err := cm.Generate(ctx, einoMessages(prompt, att))
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", ErrEmptyResponse
	}
	return msg.Content, nil
}

// einoMessages builds the single user turn, with the image as a second part
// when one is attached.
func einoMessages(prompt string, att *Attachment) []*schema.Message {
	mimeType, data, ok := readImage(att)
	if !ok {
		return []*schema.Message{schema.UserMessage(prompt)}
	}
	return []*schema.Message{{
		Role: schema.User,
		UserInputMultiContent: []schema.MessageInputPart{
			{Type: schema.ChatMessagePartTypeText, Text: prompt},
			{Type: schema.ChatMessagePartTypeImageURL, Image: &schema.MessageInputImage{
				MessagePartCommon: schema.MessagePartCommon{Base64Data: &data, MIMEType: mimeType},
				Detail:            schema.ImageURLDetailAuto,
			}},
		},
	}}
}
