package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aloksinha3/Mada/internal/ivr"
	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// Twilio webhook form fields.
const (
	formCallSid             = "CallSid"
	formCallStatus          = "CallStatus"
	formDigits              = "Digits"
	formFrom                = "From"
	formRecordingURL        = "RecordingUrl"
	formTranscription       = "TranscriptionText"
	formTranscriptionStatus = "TranscriptionStatus"
	signatureHeader         = "X-Twilio-Signature"
)

// signatureMiddleware rejects webhooks without a valid Twilio signature.
// Without an auth token it lets every request through.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			slog.Warn("Server.signatureMiddleware: unreadable form", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fullURL := s.opts.PublicBaseURL + r.URL.RequestURI()
		if !telephony.ValidateSignature(s.opts.AuthToken, fullURL, r.PostForm, r.Header.Get(signatureHeader)) {
			slog.Warn("Server.signatureMiddleware: invalid signature", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookRef reads the correlation identifiers of a Twilio callback.
func webhookRef(r *http.Request) (ivr.Ref, bool) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.webhookRef: unreadable form", "path", r.URL.Path, "error", err)
		return ivr.Ref{}, false
	}
	return ivr.Ref{
		CallSid:    r.PostForm.Get(formCallSid),
		AttemptRef: r.URL.Query().Get(telephony.RefParam),
	}, true
}

// logWebhookError logs an IVR failure. Unknown handles were already logged
// by the machine.
func logWebhookError(op string, ref ivr.Ref, err error) {
	if err == nil || errors.Is(err, models.ErrUnknownHandle) {
		return
	}
	slog.Error("Server."+op+": event not applied", "callSid", ref.CallSid, "ref", ref.AttemptRef, "error", err)
}

func (s *Server) voiceWebhook(w http.ResponseWriter, r *http.Request) {
	ref, ok := webhookRef(r)
	if !ok {
		s.writeTwiML(w, telephony.Directive{Kind: telephony.DirectiveHangup})
		return
	}
	d, err := s.voice.CallConnected(r.Context(), ref)
	logWebhookError("voiceWebhook", ref, err)
	s.writeTwiML(w, d)
}

func (s *Server) gatherWebhook(w http.ResponseWriter, r *http.Request) {
	ref, ok := webhookRef(r)
	if !ok {
		s.writeTwiML(w, telephony.Directive{Kind: telephony.DirectiveHangup})
		return
	}
	d, err := s.voice.KeyPressed(r.Context(), ref, r.PostForm.Get(formDigits))
	logWebhookError("gatherWebhook", ref, err)
	s.writeTwiML(w, d)
}

func (s *Server) recordingWebhook(w http.ResponseWriter, r *http.Request) {
	ref, ok := webhookRef(r)
	if !ok {
		s.writeTwiML(w, telephony.Directive{Kind: telephony.DirectiveHangup})
		return
	}
	d, err := s.voice.RecordingFinished(r.Context(), ref, r.PostForm.Get(formRecordingURL), r.PostForm.Get(formTranscription))
	logWebhookError("recordingWebhook", ref, err)
	s.writeTwiML(w, d)
}

// transcriptionWebhook receives the transcript Twilio produces after the
// recording callback.
func (s *Server) transcriptionWebhook(w http.ResponseWriter, r *http.Request) {
	ref, ok := webhookRef(r)
	if ok {
		err := s.voice.TranscriptionReady(r.Context(), ref, r.PostForm.Get(formTranscriptionStatus), r.PostForm.Get(formTranscription))
		logWebhookError("transcriptionWebhook", ref, err)
	}
	s.writeTwiML(w, telephony.Directive{Kind: telephony.DirectiveHangup})
}

func (s *Server) statusWebhook(w http.ResponseWriter, r *http.Request) {
	ref, ok := webhookRef(r)
	if ok {
		err := s.voice.StatusChanged(r.Context(), ref, r.PostForm.Get(formCallStatus))
		logWebhookError("statusWebhook", ref, err)
	}
	s.writeTwiML(w, telephony.Directive{Kind: telephony.DirectiveHangup})
}

// inboundWebhook answers calls placed to our Twilio number.
func (s *Server) inboundWebhook(w http.ResponseWriter, r *http.Request) {
	var from string
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundWebhook: unreadable form", "error", err)
	} else {
		from = r.PostForm.Get(formFrom)
	}
	d, err := s.voice.InboundCall(r.Context(), from)
	if err != nil {
		slog.Error("Server.inboundWebhook: caller lookup failed", "callSid", r.PostForm.Get(formCallSid), "error", err)
	}
	s.writeTwiML(w, d)
}
