// Package telephony places outbound IVR calls and renders voice markup.
package telephony

import (
	"context"
	"fmt"
	"strings"

	"github.com/aloksinha3/Mada/internal/models"
)

// PlaceRequest is everything a provider needs to start a call.
type PlaceRequest struct {
	CallID   int64
	CallType models.CallType
	// To is the patient's phone number as stored; placers normalize it.
	To     string
	Script string
	// Ref is the attempt reference echoed back on every webhook.
	Ref string
}

// Placer starts calls. It returns the provider's call handle, or an error
// matching models.ErrProviderError when the provider rejects the call.
type Placer interface {
	Place(ctx context.Context, req PlaceRequest) (string, error)
}

// FormatE164 normalizes a phone number to E.164. Ten-digit numbers are
// treated as North American.
func FormatE164(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) < 8 || len(d) > 15:
		return "", fmt.Errorf("invalid phone number %q", phone)
	case len(d) == 10:
		return "+1" + d, nil
	default:
		return "+" + d, nil
	}
}
