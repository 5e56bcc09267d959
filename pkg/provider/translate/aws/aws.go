// Package aws provides a translation provider backed by Amazon Translate.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awstranslate "github.com/aws/aws-sdk-go-v2/service/translate"
	"github.com/aws/smithy-go"

	"github.com/polyvox/polyvox/pkg/provider/translate"
)

// Provider implements translate.Provider using the Amazon Translate API.
type Provider struct {
	client  *awstranslate.Client
	timeout time.Duration
}

// config holds optional configuration for the provider.
type config struct {
	accessKeyID     string
	secretAccessKey string
	timeout         time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithStaticCredentials uses fixed credentials instead of the default chain.
func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(c *config) {
		c.accessKeyID = accessKeyID
		c.secretAccessKey = secretAccessKey
	}
}

// WithTimeout sets a per-request deadline applied inside Translate.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Amazon Translate Provider.
func New(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	if region == "" {
		return nil, fmt.Errorf("aws translate: region must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.accessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.accessKeyID, cfg.secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws translate: load config: %w", err)
	}

	return &Provider{
		client:  awstranslate.NewFromConfig(awsCfg),
		timeout: cfg.timeout,
	}, nil
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out, err := p.client.TranslateText(ctx, &awstranslate.TranslateTextInput{
		SourceLanguageCode: awssdk.String(sourceLang),
		TargetLanguageCode: awssdk.String(targetLang),
		Text:               awssdk.String(text),
	})
	if err != nil {
		return "", classify(err)
	}
	if out.TranslatedText == nil {
		return "", fmt.Errorf("aws translate: empty response for %s->%s", sourceLang, targetLang)
	}
	return *out.TranslatedText, nil
}

// classify maps SDK errors onto the provider error taxonomy.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "UnsupportedLanguagePairException":
			return fmt.Errorf("%w: %v", translate.ErrUnsupportedPair, err)
		case "ThrottlingException", "TooManyRequestsException",
			"ServiceUnavailableException", "InternalServerException",
			"LimitExceededException":
			return &translate.TransientError{Err: err}
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return &translate.TransientError{Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &translate.TransientError{Err: err}
	}
	return fmt.Errorf("aws translate: %w", err)
}

var _ translate.Provider = (*Provider)(nil)
