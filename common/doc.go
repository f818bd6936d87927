// Package common provides shared constants, sentinel errors, interfaces and the
// application logger used throughout the VPN orchestrator.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, scan defaults and file names
//   - Errors: sentinel errors for consistent error handling across packages
//   - Interfaces: Logger and Clock abstractions injected into components
//   - Logger: levelled logging with component prefixes and rotated file output
//   - Utils: configuration and data directory helpers
//
// # Usage
//
//	log := common.ComponentLogger("ping")
//	log.Info("probing %s:%d", ip, port)
//
//	if errors.Is(err, common.ErrCertificateUnavailable) {
//	    // fail the connection attempt
//	}
package common
