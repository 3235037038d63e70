package domain

// ServiceType is one entry of the closed service-type catalog. DefaultPort
// and Protocol seed tunnel defaults at creation time; they are advisory for
// clients afterwards.
type ServiceType struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	DefaultPort *int   `json:"default_port"`
	Protocol    string `json:"protocol"`
}

func port(v int) *int { return &v }

var serviceTypes = []ServiceType{
	{Key: "ssh", DisplayName: "SSH", Description: "Secure Shell remote access", DefaultPort: port(22), Protocol: ProtocolTCP},
	{Key: "rdp", DisplayName: "RDP", Description: "Windows Remote Desktop", DefaultPort: port(3389), Protocol: ProtocolTCP},
	{Key: "ftp", DisplayName: "FTP", Description: "File Transfer Protocol", DefaultPort: port(21), Protocol: ProtocolTCP},
	{Key: "smtp", DisplayName: "SMTP", Description: "Mail submission", DefaultPort: port(25), Protocol: ProtocolTCP},
	{Key: "pop3", DisplayName: "POP3", Description: "Mail retrieval (POP3)", DefaultPort: port(110), Protocol: ProtocolTCP},
	{Key: "imap", DisplayName: "IMAP", Description: "Mail retrieval (IMAP)", DefaultPort: port(143), Protocol: ProtocolTCP},
	{Key: "mysql", DisplayName: "MySQL", Description: "MySQL database server", DefaultPort: port(3306), Protocol: ProtocolTCP},
	{Key: "postgresql", DisplayName: "PostgreSQL", Description: "PostgreSQL database server", DefaultPort: port(5432), Protocol: ProtocolTCP},
	{Key: "mongodb", DisplayName: "MongoDB", Description: "MongoDB database server", DefaultPort: port(27017), Protocol: ProtocolTCP},
	{Key: "redis", DisplayName: "Redis", Description: "Redis key-value store", DefaultPort: port(6379), Protocol: ProtocolTCP},
	{Key: "vnc", DisplayName: "VNC", Description: "VNC remote desktop", DefaultPort: port(5900), Protocol: ProtocolTCP},
	{Key: "teamviewer", DisplayName: "TeamViewer", Description: "TeamViewer remote support", DefaultPort: port(5938), Protocol: ProtocolTCP},
	{Key: "minecraft", DisplayName: "Minecraft", Description: "Minecraft game server", DefaultPort: port(25565), Protocol: ProtocolTCP},
	{Key: "http", DisplayName: "HTTP", Description: "Plain local web server", DefaultPort: port(80), Protocol: ProtocolHTTP},
	{Key: "https", DisplayName: "HTTPS", Description: "Local web server behind TLS", DefaultPort: port(443), Protocol: ProtocolHTTP},
	{Key: "custom", DisplayName: "Custom", Description: "Custom TCP service on a port of your choice", DefaultPort: nil, Protocol: ProtocolTCP},
}

// ServiceTypes returns the catalog in stable order.
func ServiceTypes() []ServiceType {
	out := make([]ServiceType, len(serviceTypes))
	copy(out, serviceTypes)
	return out
}

// ServiceTypeByKey looks up a catalog entry by its key.
func ServiceTypeByKey(key string) (ServiceType, bool) {
	for _, st := range serviceTypes {
		if st.Key == key {
			return st, true
		}
	}
	return ServiceType{}, false
}
