// Package remote is the transport used to talk to an OData service: an
// authenticating HTTP client, a retry wrapper, and the conversion of
// unsuccessful responses into structured errors.
package remote

// Protocol headers.
const (
	HeaderODataVersion          = "OData-Version"
	HeaderODataMaxVersion       = "OData-MaxVersion"
	HeaderDataServiceVersion    = "DataServiceVersion"
	HeaderMaxDataServiceVersion = "MaxDataServiceVersion"
	HeaderEntityID              = "OData-EntityId"
	HeaderDataServiceID         = "DataServiceId"
	HeaderLocation              = "Location"
	HeaderETag                  = "ETag"
	HeaderIfMatch               = "If-Match"
	HeaderSlug                  = "Slug"
	HeaderContentID             = "Content-ID"
)

// Media types used on the wire.
const (
	ContentTypeJSON        = "application/json;odata.metadata=minimal"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeHTTP        = "application/http"
	ContentTypeMultipart   = "multipart/mixed"
)

// DefaultMaxProtocolVersion is the highest protocol major version understood.
const DefaultMaxProtocolVersion = 4

// ErrorResponse is the JSON error body of an OData v4 service.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// LegacyErrorResponse is the JSON error body of an OData v2/v3 service.
type LegacyErrorResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"message"`
	} `json:"odata.error"`
}

// ErrorDetail is the code and message of a service error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}
