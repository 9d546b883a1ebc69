package bedrockmodel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"corex-gateway/internal/domain"
)

const (
	maxReplyTokens = 1024
	temperature    = 0.5
)

// ErrUnsupportedMediaType reports an attachment whose MIME type maps to no
// Converse content block. Callers treat it as bad input, not backend failure.
var ErrUnsupportedMediaType = errors.New("bedrockmodel: unsupported attachment media type")

// converseAPI is the minimal Bedrock runtime interface required by Client.
// Defined here for testability.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client sends single stateless requests to a multimodal Bedrock model:
// plain text plus at most one image or document attachment.
type Client struct {
	api     converseAPI
	modelID string
}

// New creates a Client bound to one model id.
func New(api converseAPI, modelID string) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrockmodel: api must not be nil")
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("bedrockmodel: model id must not be empty")
	}
	return &Client{api: api, modelID: modelID}, nil
}

// Invoke sends one user message and returns the first text part of the reply.
// A reply without any text part is a backend error.
func (c *Client) Invoke(ctx context.Context, prompt string, att *domain.Attachment) (string, error) {
	if prompt == "" && att == nil {
		return "", errors.New("bedrockmodel: prompt or attachment is required")
	}

	var content []types.ContentBlock
	if prompt != "" {
		content = append(content, &types.ContentBlockMemberText{Value: prompt})
	}
	if att != nil {
		block, err := attachmentBlock(*att)
		if err != nil {
			return "", err
		}
		content = append(content, block)
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: content,
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxReplyTokens),
			Temperature: aws.Float32(temperature),
		},
	})
	if err != nil {
		return "", fmt.Errorf("bedrockmodel: converse: %w", err)
	}

	return firstTextPart(out)
}

func firstTextPart(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil || out.Output == nil {
		return "", errors.New("bedrockmodel: response carried no output")
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrockmodel: response output is not a message")
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			return text.Value, nil
		}
	}
	return "", errors.New("bedrockmodel: response message has no text part")
}

// attachmentBlock maps an attachment to the content block kind Converse
// expects: image/* types become image blocks, everything else is tried as a
// document. MIME aliases are normalized (image/jpg -> jpeg format token).
func attachmentBlock(att domain.Attachment) (types.ContentBlock, error) {
	if len(att.Data) == 0 {
		return nil, errors.New("bedrockmodel: attachment has no data")
	}

	mime := strings.ToLower(strings.TrimSpace(att.MIMEType))
	if sub, ok := strings.CutPrefix(mime, "image/"); ok {
		format, err := imageFormat(sub)
		if err != nil {
			return nil, err
		}
		return &types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: att.Data},
		}}, nil
	}

	format, err := documentFormat(mime)
	if err != nil {
		return nil, err
	}
	return &types.ContentBlockMemberDocument{Value: types.DocumentBlock{
		Format: format,
		Name:   aws.String(documentName(att.Name)),
		Source: &types.DocumentSourceMemberBytes{Value: att.Data},
	}}, nil
}

func imageFormat(subtype string) (types.ImageFormat, error) {
	switch subtype {
	case "jpeg", "jpg":
		return types.ImageFormatJpeg, nil
	case "png":
		return types.ImageFormatPng, nil
	case "gif":
		return types.ImageFormatGif, nil
	case "webp":
		return types.ImageFormatWebp, nil
	}
	return "", fmt.Errorf("%w: image/%s", ErrUnsupportedMediaType, subtype)
}

func documentFormat(mime string) (types.DocumentFormat, error) {
	switch mime {
	case "application/pdf":
		return types.DocumentFormatPdf, nil
	case "text/plain":
		return types.DocumentFormatTxt, nil
	case "text/csv":
		return types.DocumentFormatCsv, nil
	case "text/html":
		return types.DocumentFormatHtml, nil
	case "text/markdown":
		return types.DocumentFormatMd, nil
	case "application/msword":
		return types.DocumentFormatDoc, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return types.DocumentFormatDocx, nil
	case "application/vnd.ms-excel":
		return types.DocumentFormatXls, nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return types.DocumentFormatXlsx, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mime)
}

// documentName reduces a file name to the character set Bedrock accepts for
// document names (alphanumerics, single spaces, hyphens, parentheses,
// brackets) and strips the extension.
func documentName(name string) string {
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		name = name[:dot]
	}
	var b strings.Builder
	lastSpace := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '(', r == ')', r == '[', r == ']':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '_':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return "attachment"
	}
	return cleaned
}
