package platform

import (
	"fmt"

	"github.com/yllada/vpn-orchestrator/common"
)

// TunnelPermission implements vpn.PermissionRequester. Creating tunnels
// needs CAP_NET_ADMIN unless engine commands are run through an elevation
// helper such as pkexec, which asks for permission on its own.
type TunnelPermission struct {
	Elevate string
	capable func() (bool, error)
}

// NewTunnelPermission returns a permission check for the current process.
func NewTunnelPermission(elevate string) *TunnelPermission {
	return &TunnelPermission{Elevate: elevate, capable: hasNetAdmin}
}

// PrepareConnectPermission implements vpn.PermissionRequester.
func (p *TunnelPermission) PrepareConnectPermission() error {
	if p.Elevate != "" {
		return nil
	}
	ok, err := p.capable()
	if err != nil {
		return fmt.Errorf("%w: cannot read capabilities: %v", common.ErrPermissionDenied, err)
	}
	if !ok {
		return fmt.Errorf("%w: CAP_NET_ADMIN is required (run as root or set engines.elevate)", common.ErrPermissionDenied)
	}
	return nil
}
