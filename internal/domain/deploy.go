package domain

// DeployResult mirrors the deploy agent's response to a deploy request.
type DeployResult struct {
	Success         bool            `json:"success"`
	ProjectID       string          `json:"projectId"`
	Domain          string          `json:"domain"`
	WebRoot         string          `json:"webRoot"`
	DNSInstructions DNSInstructions `json:"dnsInstructions"`
	Error           string          `json:"error,omitempty"`
}

// DNSInstructions tells the user which records to create at their DNS provider.
type DNSInstructions struct {
	ServerIP        string      `json:"serverIp"`
	Records         []DNSRecord `json:"records"`
	PropagationNote string      `json:"propagationNote"`
	CheckURL        string      `json:"checkUrl"`
}

// DNSRecord is a single record to create. Type is "A" or "CNAME".
type DNSRecord struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}
