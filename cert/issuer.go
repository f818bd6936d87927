package cert

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// certificatePath is the issuance endpoint relative to the API base URL.
const certificatePath = "/vpn/v1/certificate"

// HTTPIssuer requests certificates from the VPN API.
type HTTPIssuer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPIssuer returns an issuer for baseURL.
func NewHTTPIssuer(baseURL string) *HTTPIssuer {
	return &HTTPIssuer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type issueRequest struct {
	ClientPublicKey     string `json:"ClientPublicKey"`
	ClientPublicKeyMode string `json:"ClientPublicKeyMode"`
}

type issueResponse struct {
	Code           int    `json:"Code"`
	Certificate    string `json:"Certificate"`
	ExpirationTime int64  `json:"ExpirationTime"`
	RefreshTime    int64  `json:"RefreshTime"`
	Error          string `json:"Error,omitempty"`
}

// Issue implements Issuer.
func (h *HTTPIssuer) Issue(ctx context.Context, sessionID string, publicKey ed25519.PublicKey) (*Issued, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(issueRequest{
		ClientPublicKey:     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		ClientPublicKeyMode: "EC",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+certificatePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-pm-uid", sessionID)

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", common.ErrCertificateAPI, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out issueResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCertificateAPI, err)
	}
	if out.Certificate == "" {
		return nil, fmt.Errorf("%w: empty certificate (code %d) %s", common.ErrCertificateAPI, out.Code, out.Error)
	}
	if out.ExpirationTime <= 0 || out.RefreshTime <= 0 || out.RefreshTime > out.ExpirationTime {
		return nil, fmt.Errorf("%w: invalid certificate times (expires %d, refresh %d)", common.ErrCertificateAPI, out.ExpirationTime, out.RefreshTime)
	}
	return &Issued{
		CertificatePEM: out.Certificate,
		ExpiresAt:      time.Unix(out.ExpirationTime, 0),
		RefreshAt:      time.Unix(out.RefreshTime, 0),
	}, nil
}
