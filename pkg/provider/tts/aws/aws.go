// Package aws provides a speech-synthesis provider backed by Amazon Polly.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/polyvox/polyvox/pkg/provider/tts"
)

// pcmSampleRate is the only output rate the platform streams to listeners.
const pcmSampleRate = "16000"

// Provider implements tts.Provider using the Amazon Polly API.
type Provider struct {
	client  *polly.Client
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

// WithTimeout sets a per-request deadline applied inside Synthesize.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Amazon Polly Provider.
func New(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	if region == "" {
		return nil, fmt.Errorf("aws polly: region must not be empty")
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
		return nil, fmt.Errorf("aws polly: load config: %w", err)
	}

	return &Provider{
		client:  polly.NewFromConfig(awsCfg),
		timeout: cfg.timeout,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, ssml string, voice tts.Voice) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	engine := pollytypes.EngineNeural
	if voice.Engine != "" {
		engine = pollytypes.Engine(voice.Engine)
	}

	in := &polly.SynthesizeSpeechInput{
		Text:         awssdk.String(ssml),
		TextType:     pollytypes.TextTypeSsml,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   awssdk.String(pcmSampleRate),
		VoiceId:      pollytypes.VoiceId(voice.ID),
		Engine:       engine,
	}
	if voice.LanguageCode != "" {
		in.LanguageCode = pollytypes.LanguageCode(voice.LanguageCode)
	}

	out, err := p.client.SynthesizeSpeech(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, &tts.TransientError{Err: fmt.Errorf("read audio stream: %w", err)}
	}
	return audio, nil
}

// classify maps SDK errors onto the provider error taxonomy.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "EngineNotSupportedException", "LanguageNotSupportedException":
			return fmt.Errorf("%w: %v", tts.ErrUnsupportedVoice, err)
		case "ThrottlingException", "TooManyRequestsException",
			"ServiceUnavailableException", "ServiceFailureException":
			return &tts.TransientError{Err: err}
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return &tts.TransientError{Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &tts.TransientError{Err: err}
	}
	return fmt.Errorf("aws polly: %w", err)
}

var _ tts.Provider = (*Provider)(nil)
