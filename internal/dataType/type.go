package dataType

const GeoToriiVersion = "1.3.0"

// UserRequest is what the server extracts from an inbound request before any check runs.
type UserRequest struct {
	RequestID     string
	RemoteIP      string
	PeerIP        string
	Uri           string
	Host          string
	UserAgent     string
	APIKey        string
	APIKeyPresent bool
	// EdgeTrusted is set when the edge headers came from a trusted proxy.
	EdgeTrusted   bool
}

// EvaluationInput carries the only two request values the ACL check may look at.
type EvaluationInput struct {
	OriginAddress string
	APIKey        string
	APIKeyPresent bool
}

// Input returns the ACL view of the request.
func (r UserRequest) Input() EvaluationInput {
	return EvaluationInput{
		OriginAddress: r.RemoteIP,
		APIKey:        r.APIKey,
		APIKeyPresent: r.APIKeyPresent,
	}
}

// AccessControlEntry is one row of the access-control table.
// AllowedAddresses is nil when the stored value is NULL, missing or not text.
type AccessControlEntry struct {
	APIKey           string
	AllowedAddresses *string
}

// ConnectionMeta is returned to the caller in basic mode.
type ConnectionMeta struct {
	IP                   string  `json:"ip"`
	HTTPProtocol         string  `json:"httpProtocol"`
	TLSVersion           string  `json:"tlsVersion,omitempty"`
	TLSCipher            string  `json:"tlsCipher,omitempty"`
	ClientAcceptEncoding string  `json:"clientAcceptEncoding,omitempty"`
	EdgeCountry          string  `json:"edgeCountry,omitempty"`
	Country              string  `json:"country,omitempty"`
	Continent            string  `json:"continent,omitempty"`
	City                 string  `json:"city,omitempty"`
	Region               string  `json:"region,omitempty"`
	RegionCode           string  `json:"regionCode,omitempty"`
	PostalCode           string  `json:"postalCode,omitempty"`
	Latitude             float64 `json:"latitude,omitempty"`
	Longitude            float64 `json:"longitude,omitempty"`
	Timezone             string  `json:"timezone,omitempty"`
	ASN                  uint    `json:"asn,omitempty"`
	ASOrganization       string  `json:"asOrganization,omitempty"`
}
