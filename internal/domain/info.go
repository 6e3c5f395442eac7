package domain

// Keys of the node info document published through gossip and INFO packets.
const (
	InfoSeq      = "seq"
	InfoHostname = "hostname"
	InfoIPList   = "ipList"
	InfoPort     = "port"
	InfoServices = "services"
	InfoClient   = "client"
	InfoMetadata = "metadata"
	InfoInstance = "instanceID"
)

// NewNodeInfo builds the info document a node advertises about itself.
func NewNodeInfo(hostname string, ips []string, port int, services []interface{}) Document {
	ipList := make([]interface{}, 0, len(ips))
	for _, ip := range ips {
		ipList = append(ipList, ip)
	}
	if services == nil {
		services = []interface{}{}
	}
	return Document{
		InfoHostname: hostname,
		InfoIPList:   ipList,
		InfoPort:     port,
		InfoServices: services,
		InfoClient: Document{
			"type":        "go",
			"version":     RuntimeVersion,
			"langVersion": ProtocolVersion,
		},
	}
}

// HostOf picks the address a node should be reached at: the hostname or the
// first advertised IP, depending on preference, falling back to the other.
func HostOf(info Document, preferHostname bool) string {
	hostname := info.String(InfoHostname)
	ip := firstIP(info)
	if preferHostname {
		if hostname != "" {
			return hostname
		}
		return ip
	}
	if ip != "" {
		return ip
	}
	return hostname
}

func firstIP(info Document) string {
	value, ok := info.Get(InfoIPList)
	if !ok {
		return ""
	}
	switch list := value.(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	case []string:
		for _, s := range list {
			if s != "" {
				return s
			}
		}
	}
	return ""
}
