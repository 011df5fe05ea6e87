package matrix

import (
	"context"
	"errors"
	"net"
	"strings"

	"maunium.net/go/mautrix"
)

// The bridge dispatches on error classes rather than raw status codes.
// These helpers wrap mautrix's typed RespError sentinels so call sites stay
// readable and never string-match except where the homeserver gives us no
// error code to work with.

// IsAuthError reports whether err is a 401-class failure that should
// invalidate the cached session and trigger a single relogin.
func IsAuthError(err error) bool {
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
		return true
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode == 401
	}
	return false
}

// IsForbidden reports whether err is a 403-class failure (typically "not in
// room"). Callers attempt remediation once, then mark and continue.
func IsForbidden(err error) bool {
	return errors.Is(err, mautrix.MForbidden)
}

// IsUserInUse reports the registration conflict that the provisioner treats
// as success: the account already exists and the bridge assumes ownership.
func IsUserInUse(err error) bool {
	return errors.Is(err, mautrix.MUserInUse)
}

// IsAlreadyInRoom reports the invite/join conflict that is treated as
// success. Homeservers signal this as M_FORBIDDEN with a descriptive
// message, so the message text is the only available discriminator.
func IsAlreadyInRoom(err error) bool {
	if !errors.Is(err, mautrix.MForbidden) {
		return false
	}
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		msg := strings.ToLower(respErr.Err)
		return strings.Contains(msg, "already in the room") ||
			strings.Contains(msg, "already joined") ||
			strings.Contains(msg, "already a member")
	}
	return false
}

// IsNotFound reports a 404-class failure.
func IsNotFound(err error) bool {
	return errors.Is(err, mautrix.MNotFound)
}

// IsTransient reports whether err is worth retrying with backoff:
// rate limits, 5xx responses, timeouts, and transport-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mautrix.MLimitExceeded) {
		return true
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		code := httpErr.Response.StatusCode
		return code == 429 || code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
