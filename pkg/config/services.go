package config

// Service is a named protocol and destination port set.
type Service struct {
	Proto string   `yaml:"proto"`
	Ports []string `yaml:"ports,omitempty"`
}

// PredefinedServices are the services a rule may name without defining.
var PredefinedServices = map[string]Service{
	// Basic services
	"ftp":    {Proto: "tcp", Ports: []string{"21"}},
	"ssh":    {Proto: "tcp", Ports: []string{"22"}},
	"telnet": {Proto: "tcp", Ports: []string{"23"}},
	"smtp":   {Proto: "tcp", Ports: []string{"25"}},
	"smtps":  {Proto: "tcp", Ports: []string{"465"}},
	"http":   {Proto: "tcp", Ports: []string{"80"}},
	"https":  {Proto: "tcp", Ports: []string{"443"}},
	"rtsp":   {Proto: "tcp", Ports: []string{"554"}},

	"dns-udp": {Proto: "udp", Ports: []string{"53"}},
	"dns-tcp": {Proto: "tcp", Ports: []string{"53"}},

	// Mail
	"pop3":  {Proto: "tcp", Ports: []string{"110"}},
	"imap":  {Proto: "tcp", Ports: []string{"143"}},
	"imaps": {Proto: "tcp", Ports: []string{"993"}},

	"dhcp-client": {Proto: "udp", Ports: []string{"68"}},
	"dhcp-server": {Proto: "udp", Ports: []string{"67"}},
	"tftp":        {Proto: "udp", Ports: []string{"69"}},

	// Network management
	"ntp":    {Proto: "udp", Ports: []string{"123"}},
	"snmp":   {Proto: "udp", Ports: []string{"161"}},
	"syslog": {Proto: "udp", Ports: []string{"514"}},
	"bgp":    {Proto: "tcp", Ports: []string{"179"}},
	"ldap":   {Proto: "tcp", Ports: []string{"389"}},
	"radius": {Proto: "udp", Ports: []string{"1812"}},

	// VPN and tunneling
	"ike":       {Proto: "udp", Ports: []string{"500"}},
	"ike-nat":   {Proto: "udp", Ports: []string{"4500"}},
	"openvpn":   {Proto: "udp", Ports: []string{"1194"}},
	"wireguard": {Proto: "udp", Ports: []string{"51820"}},

	"smb":      {Proto: "tcp", Ports: []string{"445"}},
	"rdp":      {Proto: "tcp", Ports: []string{"3389"}},
	"mysql":    {Proto: "tcp", Ports: []string{"3306"}},
	"postgres": {Proto: "tcp", Ports: []string{"5432"}},
	"sip":      {Proto: "udp", Ports: []string{"5060"}},

	"ping":  {Proto: "icmp"},
	"ping6": {Proto: "icmpv6"},
	"tcp":   {Proto: "tcp"},
	"udp":   {Proto: "udp"},
	"web":   {Proto: "tcp", Ports: []string{"80", "443"}},
}

// ResolveService looks up a service by name, checking user-defined
// services first, then predefined.
func ResolveService(name string, user map[string]Service) (Service, bool) {
	if s, ok := user[name]; ok {
		return s, true
	}
	s, ok := PredefinedServices[name]
	return s, ok
}
