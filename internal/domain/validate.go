package domain

import "regexp"

var (
	subdomainRe = regexp.MustCompile(`^[a-z0-9-]{3,50}$`)
	regionRe    = regexp.MustCompile(`^[a-z0-9]{2,10}$`)
)

// ValidSubdomain reports whether s is an acceptable tunnel subdomain.
func ValidSubdomain(s string) bool { return subdomainRe.MatchString(s) }

// ValidRegion reports whether s is an acceptable region code.
func ValidRegion(s string) bool { return regionRe.MatchString(s) }

// ValidPort reports whether p is a usable port number.
func ValidPort(p int) bool { return p >= 1 && p <= 65535 }

// ValidProtocol reports whether p names a supported tunnel protocol.
func ValidProtocol(p string) bool {
	switch p {
	case ProtocolHTTP, ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// ValidConnectionToken reports whether s has an acceptable token length.
// Generated tokens are 64 hex chars; older clients may hold 32.
func ValidConnectionToken(s string) bool { return len(s) >= 32 && len(s) <= 64 }

// ResolvedProtocol returns the request protocol, falling back to the
// service-type default when the field is absent.
func (r *CreateTunnelRequest) ResolvedProtocol() string {
	if r.Protocol != "" {
		return r.Protocol
	}
	if st, ok := ServiceTypeByKey(r.ServiceType); ok {
		return st.Protocol
	}
	return ""
}

// ResolvedLocalPort returns the advisory local port, falling back to the
// service-type default. Zero means neither was supplied.
func (r *CreateTunnelRequest) ResolvedLocalPort() int {
	if r.LocalPort != nil {
		return *r.LocalPort
	}
	if st, ok := ServiceTypeByKey(r.ServiceType); ok && st.DefaultPort != nil {
		return *st.DefaultPort
	}
	return 0
}

// Validate checks the create request and returns one entry per violated
// rule. An empty slice means the request is acceptable.
func (r *CreateTunnelRequest) Validate() []FieldError {
	var errs []FieldError
	if !ValidSubdomain(r.Subdomain) {
		errs = append(errs, FieldError{Path: "subdomain", Msg: "must be 3-50 lowercase letters, digits, or hyphens"})
	}
	if !ValidRegion(r.Location) {
		errs = append(errs, FieldError{Path: "location", Msg: "must be 2-10 lowercase letters or digits"})
	}
	if _, ok := ServiceTypeByKey(r.ServiceType); !ok {
		errs = append(errs, FieldError{Path: "service_type", Msg: "unknown service type"})
	}
	proto := r.ResolvedProtocol()
	if r.Protocol != "" && !ValidProtocol(r.Protocol) {
		errs = append(errs, FieldError{Path: "protocol", Msg: "must be one of http, tcp, udp"})
	}
	if r.LocalPort != nil && !ValidPort(*r.LocalPort) {
		errs = append(errs, FieldError{Path: "local_port", Msg: "must be between 1 and 65535"})
	}
	if r.LocalPort == nil && r.ResolvedLocalPort() == 0 {
		errs = append(errs, FieldError{Path: "local_port", Msg: "required for this service type"})
	}
	if r.RemotePort != nil {
		switch {
		case !ValidPort(*r.RemotePort):
			errs = append(errs, FieldError{Path: "remote_port", Msg: "must be between 1 and 65535"})
		case proto == ProtocolHTTP:
			errs = append(errs, FieldError{Path: "remote_port", Msg: "not allowed for http tunnels"})
		}
	}
	return errs
}

// Validate checks the status update request.
func (r *UpdateStatusRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Status != StatusActive && r.Status != StatusInactive {
		errs = append(errs, FieldError{Path: "status", Msg: "must be active or inactive"})
	}
	return errs
}

// Validate checks the token auth request.
func (r *TokenAuthRequest) Validate() []FieldError {
	var errs []FieldError
	if !ValidConnectionToken(r.ConnectionToken) {
		errs = append(errs, FieldError{Path: "connection_token", Msg: "must be 32-64 characters"})
	}
	return errs
}
