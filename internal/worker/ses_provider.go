package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESProvider delivers email via AWS SES.
type SESProvider struct {
	client *ses.Client
	logger *zap.Logger
}

type SESConfig struct {
	Region string
}

// NewSESProvider creates an SES-backed delivery provider.
func NewSESProvider(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESProvider{
		client: ses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers a rendered email and returns the SES message id.
func (p *SESProvider) Send(ctx context.Context, email Email) (string, error) {
	input := &ses.SendEmailInput{
		Source: aws.String(email.From),
		Destination: &types.Destination{
			ToAddresses: []string{email.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(email.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(email.HTML),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	p.logger.Info("email delivered to ses",
		zap.String("to", email.To),
		zap.String("provider_message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}
