package domain

// CreateTunnelRequest is the JSON body of POST /tunnels.
type CreateTunnelRequest struct {
	Subdomain   string `json:"subdomain"`
	Location    string `json:"location"`
	ServiceType string `json:"service_type"`
	LocalPort   *int   `json:"local_port,omitempty"`
	RemotePort  *int   `json:"remote_port,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// UpdateStatusRequest is the JSON body of PATCH /tunnels/{id}/status.
type UpdateStatusRequest struct {
	Status          string `json:"status"`
	ClientConnected *bool  `json:"client_connected,omitempty"`
}

// TokenAuthRequest is the JSON body of POST /tunnels/auth, by which a client
// trades its connection token for tunnel details before opening the control
// channel.
type TokenAuthRequest struct {
	ConnectionToken string `json:"connection_token"`
}

// ErrorResponse is the JSON body written for error statuses at the REST and
// ingress boundaries.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Tunnel  string `json:"tunnel,omitempty"`
}

// ValidationErrorResponse is the 400 body listing each violated rule.
type ValidationErrorResponse struct {
	Errors []FieldError `json:"errors"`
}
