package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// StatusError is a response with a status outside the 2xx range.
type StatusError struct {
	Status int
	// Body is the response body text, or the status phrase when the body
	// was empty or unreadable.
	Body string
	// Code is the service error code when the body was a structured error.
	Code string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("remote error (%d): %s", e.Status, e.Body)
}

// IsSuccess reports whether status is in the 2xx range.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// CheckStatus returns a *StatusError for an unsuccessful status and nil
// otherwise.
func CheckStatus(status int, body []byte) error {
	if IsSuccess(status) {
		return nil
	}

	text := strings.TrimSpace(string(body))
	se := &StatusError{Status: status, Body: text}
	if code, msg, ok := parseErrorBody(body); ok {
		se.Code = code
		se.Body = msg
	}
	if se.Body == "" {
		se.Body = http.StatusText(status)
		if se.Body == "" {
			se.Body = "HTTP " + strconv.Itoa(status)
		}
	}
	return se
}

func parseErrorBody(body []byte) (code, message string, ok bool) {
	var v4 ErrorResponse
	if err := json.Unmarshal(body, &v4); err == nil && v4.Error != nil && v4.Error.Message != "" {
		return v4.Error.Code, v4.Error.Message, true
	}
	var legacy LegacyErrorResponse
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.Error != nil && legacy.Error.Message.Value != "" {
		return legacy.Error.Code, legacy.Error.Message.Value, true
	}
	return "", "", false
}

// ErrUnsupportedVersion is matched by every *VersionError.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// VersionError reports a response in a protocol version the client does not
// understand.
type VersionError struct {
	Version string
	Max     int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported response version %q (max %d.0)", e.Version, e.Max)
}

func (e *VersionError) Is(target error) bool { return target == ErrUnsupportedVersion }

// CheckVersion validates the protocol version advertised by response
// headers. A missing header is accepted.
func CheckVersion(h http.Header, max int) error {
	v := h.Get(HeaderODataVersion)
	if v == "" {
		v = h.Get(HeaderDataServiceVersion)
	}
	if v == "" {
		return nil
	}

	// Legacy services append ";NetFx" style suffixes.
	raw, _, _ := strings.Cut(v, ";")
	majorText, _, _ := strings.Cut(strings.TrimSpace(raw), ".")
	major, err := strconv.Atoi(majorText)
	if err != nil || major < 1 || major > max {
		return &VersionError{Version: v, Max: max}
	}
	return nil
}
