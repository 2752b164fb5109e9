package telephony

import (
	"fmt"
	"strconv"

	"github.com/twilio/twilio-go/twiml"
)

// DirectiveKind selects what the caller hears next.
type DirectiveKind string

const (
	// DirectivePrompt speaks the script and gathers one key.
	DirectivePrompt DirectiveKind = "prompt"
	// DirectiveRecord asks for and records a voice message.
	DirectiveRecord DirectiveKind = "record"
	// DirectiveGoodbye speaks the script, if any, thanks the caller and hangs up.
	DirectiveGoodbye DirectiveKind = "goodbye"
	// DirectiveHangup ends the call silently.
	DirectiveHangup DirectiveKind = "hangup"
)

// Directive is the IVR's answer to a webhook.
type Directive struct {
	Kind   DirectiveKind
	Script string
	// Ref is echoed on the follow-up webhook URLs.
	Ref string
}

// LeaveMessageKey is the keypad digit that starts a recording.
const LeaveMessageKey = "1"

// Spoken prompts around the call script.
const (
	MenuPrompt    = "Press " + LeaveMessageKey + " to leave a message for your care team, or any other key to end the call."
	RecordPrompt  = "Please leave your message after the beep. Press the pound key or hang up when you are finished."
	GoodbyePrompt = "Thank you. Your care team will follow up if needed. Goodbye."

	// InboundGreeting answers callers with no upcoming reminder.
	InboundGreeting = "Hello, this is your SabCare health assistant. Thank you for calling."
)

// Voice rendering defaults.
const (
	DefaultVoice         = "alice"
	DefaultLanguage      = "en-US"
	DefaultGatherTimeout = 8
	DefaultMaxRecordSecs = 120
	DefaultRecordSilence = 5
)

// TwiMLRenderer turns directives into TwiML documents.
type TwiMLRenderer struct {
	BaseURL  string
	Voice    string
	Language string
}

// NewTwiMLRenderer creates a renderer that points follow-up webhooks at baseURL.
func NewTwiMLRenderer(baseURL string) *TwiMLRenderer {
	return &TwiMLRenderer{BaseURL: baseURL, Voice: DefaultVoice, Language: DefaultLanguage}
}

func (r *TwiMLRenderer) say(text string) *twiml.VoiceSay {
	return &twiml.VoiceSay{Message: text, Voice: r.Voice, Language: r.Language}
}

// Render builds the TwiML document for d.
func (r *TwiMLRenderer) Render(d Directive) (string, error) {
	var verbs []twiml.Element
	switch d.Kind {
	case DirectivePrompt:
		gatherURL := WebhookURL(r.BaseURL, GatherPath, d.Ref)
		if d.Script != "" {
			verbs = append(verbs, r.say(d.Script))
		}
		verbs = append(verbs,
			&twiml.VoiceGather{
				Action:        gatherURL,
				Method:        "POST",
				NumDigits:     "1",
				Timeout:       strconv.Itoa(DefaultGatherTimeout),
				InnerElements: []twiml.Element{r.say(MenuPrompt)},
			},
			// Reached only when no key was pressed.
			&twiml.VoiceRedirect{Url: gatherURL, Method: "POST"},
		)
	case DirectiveRecord:
		verbs = append(verbs,
			r.say(RecordPrompt),
			&twiml.VoiceRecord{
				Action:             WebhookURL(r.BaseURL, RecordingPath, d.Ref),
				Method:             "POST",
				MaxLength:          strconv.Itoa(DefaultMaxRecordSecs),
				Timeout:            strconv.Itoa(DefaultRecordSilence),
				FinishOnKey:        "#",
				PlayBeep:           "true",
				Transcribe:         "true",
				TranscribeCallback: WebhookURL(r.BaseURL, TranscriptionPath, d.Ref),
			},
			r.say(GoodbyePrompt),
			&twiml.VoiceHangup{},
		)
	case DirectiveGoodbye:
		if d.Script != "" {
			verbs = append(verbs, r.say(d.Script))
		}
		verbs = append(verbs, r.say(GoodbyePrompt), &twiml.VoiceHangup{})
	case DirectiveHangup, "":
		verbs = append(verbs, &twiml.VoiceHangup{})
	default:
		return "", fmt.Errorf("unknown directive %q", d.Kind)
	}
	return twiml.Voice(verbs)
}
