package control

import (
	"net"
	"strconv"

	"github.com/yllada/vpn-orchestrator/protocol"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// ConnectRequest selects a destination. The most specific field wins:
// server, then gateway, then city, then country. An empty request asks
// for the fastest server.
type ConnectRequest struct {
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
	Server   string `json:"server,omitempty"`
	Gateway  string `json:"gateway,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// Intent converts the request into a connect intent.
func (r ConnectRequest) Intent() (vpn.ConnectIntent, error) {
	var intent vpn.ConnectIntent
	switch {
	case r.Server != "":
		intent = vpn.ConnectIntent{Kind: vpn.IntentServer, ServerID: r.Server}
	case r.Gateway != "":
		intent = vpn.ConnectIntent{Kind: vpn.IntentGateway, Gateway: r.Gateway}
	case r.City != "":
		intent = vpn.ConnectIntent{Kind: vpn.IntentCity, Country: r.Country, City: r.City}
	case r.Country != "":
		intent = vpn.ConnectIntent{Kind: vpn.IntentCountry, Country: r.Country}
	default:
		intent = vpn.FastestIntent()
	}
	if r.Protocol != "" {
		sel, err := protocol.Parse(r.Protocol)
		if err != nil {
			return vpn.ConnectIntent{}, err
		}
		intent = intent.WithProtocol(sel)
	}
	return intent, nil
}

// StatusResponse is the wire form of vpn.Status.
type StatusResponse struct {
	State    vpn.State      `json:"state"`
	Backend  string         `json:"backend,omitempty"`
	Server   string         `json:"server,omitempty"`
	Country  string         `json:"country,omitempty"`
	Protocol string         `json:"protocol,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Retry    *vpn.RetryInfo `json:"retry,omitempty"`
}

// NewStatusResponse flattens s for the wire.
func NewStatusResponse(s vpn.Status) StatusResponse {
	out := StatusResponse{
		State:   s.State,
		Backend: s.BackendName(),
		Retry:   s.Retry,
	}
	if p := s.Params; p != nil {
		out.Server = p.Server.Name
		out.Country = p.Server.Country
		out.Protocol = p.Protocol.String()
		out.Endpoint = net.JoinHostPort(p.EntryIP, strconv.Itoa(p.Port))
	}
	return out
}
