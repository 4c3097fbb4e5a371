// Package materialize applies response payloads to tracked entity objects.
package materialize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/kilupskalvis/odc/internal/negotiate"
)

// MergePolicy decides whether payload values replace in-memory values.
type MergePolicy int

const (
	// Overwrite replaces in-memory property values with the payload's.
	Overwrite MergePolicy = iota
	// Preserve keeps in-memory values; only metadata is read.
	Preserve
)

func (p MergePolicy) String() string {
	if p == Preserve {
		return "preserve"
	}
	return "overwrite"
}

// Result is the metadata found in a payload.
type Result struct {
	Identity      string
	EditLink      string
	ETag          string
	MediaEditLink string
	MediaETag     string
}

// Materializer turns a response payload into updated property values on an
// existing entity object.
type Materializer interface {
	Materialize(body []byte, contentType string, target any, policy MergePolicy) (*Result, error)
}

// ErrUnsupportedFormat is returned for payload formats no materializer handles.
var ErrUnsupportedFormat = errors.New("unsupported payload format")

// Negotiated dispatches to the materializer registered for the response
// media type.
type Negotiated struct {
	types []string
	byTyp map[string]Materializer
}

// NewNegotiated creates an empty dispatcher.
func NewNegotiated() *Negotiated {
	return &Negotiated{byTyp: make(map[string]Materializer)}
}

// Default returns a dispatcher that understands JSON payloads.
func Default() *Negotiated {
	n := NewNegotiated()
	n.Register("application/json", JSON{})
	return n
}

// Register adds a materializer for a media type. Earlier registrations win
// ties.
func (n *Negotiated) Register(mediaType string, m Materializer) {
	if _, ok := n.byTyp[mediaType]; !ok {
		n.types = append(n.types, mediaType)
	}
	n.byTyp[mediaType] = m
}

// Offered returns the registered media types, suitable for an Accept header.
func (n *Negotiated) Offered() []string {
	return append([]string(nil), n.types...)
}

// Materialize implements Materializer.
func (n *Negotiated) Materialize(body []byte, contentType string, target any, policy MergePolicy) (*Result, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedFormat, contentType)
	}
	chosen, ok := negotiate.Select(mt, n.types)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt)
	}
	return n.byTyp[chosen].Materialize(body, contentType, target, policy)
}

// JSON materializes OData JSON payloads: v4 (`@odata.*` annotations),
// v3 light (`odata.*`) and v2/v3 verbose (`d` wrapper with `__metadata`).
type JSON struct{}

type verboseMetadata struct {
	URI       string `json:"uri"`
	ETag      string `json:"etag"`
	EditMedia string `json:"edit_media"`
	MediaETag string `json:"media_etag"`
}

// Materialize implements Materializer.
func (JSON) Materialize(body []byte, _ string, target any, policy MergePolicy) (*Result, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Result{}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode entity payload: %w", err)
	}
	if d, ok := obj["d"]; ok && len(obj) == 1 {
		obj = nil
		if err := json.Unmarshal(d, &obj); err != nil {
			return nil, fmt.Errorf("decode verbose payload: %w", err)
		}
	}

	res := &Result{}
	props := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		switch {
		case k == "__metadata":
			var md verboseMetadata
			if err := json.Unmarshal(v, &md); err != nil {
				return nil, fmt.Errorf("decode __metadata: %w", err)
			}
			res.Identity, res.EditLink, res.ETag = md.URI, md.URI, md.ETag
			res.MediaEditLink, res.MediaETag = md.EditMedia, md.MediaETag
		case strings.HasPrefix(k, "@odata.") || strings.HasPrefix(k, "odata."):
			name := k[strings.Index(k, "odata.")+len("odata."):]
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				continue
			}
			switch name {
			case "id":
				res.Identity = s
			case "editLink":
				res.EditLink = s
			case "etag":
				res.ETag = s
			case "mediaEditLink":
				res.MediaEditLink = s
			case "mediaEtag":
				res.MediaETag = s
			}
		case strings.Contains(k, "@"):
			// Property annotations such as Nav@odata.navigationLink.
		default:
			if _, isDeferred := deferred(v); isDeferred {
				continue
			}
			props[k] = v
		}
	}
	if res.EditLink == "" {
		res.EditLink = res.Identity
	}

	if policy == Overwrite && target != nil && len(props) > 0 {
		data, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("apply properties to %T: %w", target, err)
		}
	}
	return res, nil
}

// deferred reports whether v is a verbose-format deferred navigation link.
func deferred(v json.RawMessage) (string, bool) {
	var d struct {
		Deferred *struct {
			URI string `json:"uri"`
		} `json:"__deferred"`
	}
	if len(v) == 0 || v[0] != '{' {
		return "", false
	}
	if err := json.Unmarshal(v, &d); err != nil || d.Deferred == nil {
		return "", false
	}
	return d.Deferred.URI, true
}
