package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/aloksinha3/Mada/internal/models"
)

// Webhook paths served by the API. Twilio is pointed at them with the attempt
// ref as a query parameter.
const (
	VoicePath         = "/twilio/voice"
	GatherPath        = "/twilio/gather"
	RecordingPath     = "/twilio/recording"
	TranscriptionPath = "/twilio/transcription"
	StatusPath        = "/twilio/status"
	InboundPath       = "/twilio/inbound"

	// RefParam carries the attempt reference on every webhook URL.
	RefParam = "ref"

	// DefaultRingTimeout is how long Twilio lets the phone ring, in seconds.
	DefaultRingTimeout = 30
)

// Opts holds configuration options for the Twilio voice client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL is the public URL Twilio reaches the webhooks on.
	BaseURL string
}

// Option defines a configuration option for the Twilio voice client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the caller id.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithBaseURL sets the public webhook base URL.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// callCreator is the part of the Twilio API the placer uses.
type callCreator interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// TwilioPlacer places calls through the Twilio Voice API.
type TwilioPlacer struct {
	api     callCreator
	from    string
	baseURL string
}

var _ Placer = (*TwilioPlacer)(nil)

// NewTwilioPlacer creates a placer from options.
func NewTwilioPlacer(opts ...Option) (*TwilioPlacer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio voice config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"BaseURL", cfg.BaseURL)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("public base URL must be an absolute URL, got %q", cfg.BaseURL)
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioPlacer(rest.Api, cfg), nil
}

func newTwilioPlacer(api callCreator, cfg Opts) *TwilioPlacer {
	return &TwilioPlacer{
		api:     api,
		from:    cfg.FromNumber,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// WebhookURL builds the absolute URL of a webhook path for an attempt ref.
func WebhookURL(baseURL, path, ref string) string {
	u := strings.TrimRight(baseURL, "/") + path
	if ref == "" {
		return u
	}
	return u + "?" + url.Values{RefParam: {ref}}.Encode()
}

// Place starts the call. The script itself is served later from the voice
// webhook, so only the routing URLs are sent to Twilio. The SDK call is not
// context-aware; if ctx ends first the call may still be placed, and its
// webhooks still correlate through the ref.
func (p *TwilioPlacer) Place(ctx context.Context, req PlaceRequest) (string, error) {
	to, err := FormatE164(req.To)
	if err != nil {
		return "", &models.ProviderError{Provider: "twilio", Err: err}
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(p.from)
	params.SetUrl(WebhookURL(p.baseURL, VoicePath, req.Ref))
	params.SetMethod("POST")
	params.SetStatusCallback(WebhookURL(p.baseURL, StatusPath, req.Ref))
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"completed"})
	params.SetTimeout(DefaultRingTimeout)

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := p.api.CreateCall(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		if resp == nil || resp.Sid == nil || *resp.Sid == "" {
			done <- result{err: errors.New("response carried no call SID")}
			return
		}
		done <- result{sid: *resp.Sid}
	}()

	select {
	case <-ctx.Done():
		slog.Warn("Twilio CreateCall abandoned", "callID", req.CallID, "ref", req.Ref, "error", ctx.Err())
		return "", &models.ProviderError{Provider: "twilio", Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			slog.Error("Twilio CreateCall failed", "callID", req.CallID, "to", to, "error", r.err)
			return "", wrapTwilioError(r.err)
		}
		slog.Debug("Twilio call placed", "callID", req.CallID, "sid", r.sid, "ref", req.Ref)
		return r.sid, nil
	}
}

func wrapTwilioError(err error) error {
	pe := &models.ProviderError{Provider: "twilio", Err: err}
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		pe.Code = restErr.Code
	}
	return pe
}

// ValidateSignature checks an X-Twilio-Signature header against the full
// request URL and its form parameters.
func ValidateSignature(authToken, fullURL string, form url.Values, signature string) bool {
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	v := client.NewRequestValidator(authToken)
	return v.Validate(fullURL, params, signature)
}
