// publicip.go discovers the caller's public IP, which scopes the ingress
// rule to the machine actually running the deploy.
package firewall

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// DefaultCheckIPEndpoint is Amazon's plain-text what-is-my-ip service.
// The response body is the caller's IPv4 address followed by a newline.
const DefaultCheckIPEndpoint = "https://checkip.amazonaws.com"

// publicIPTimeout bounds the lookup; the endpoint normally answers in
// well under a second.
const publicIPTimeout = 10 * time.Second

// PublicIP fetches the caller's public IP from endpoint (empty means
// DefaultCheckIPEndpoint) and validates it parses as an IP address.
func PublicIP(ctx context.Context, endpoint string) (string, error) {
	if endpoint == "" {
		endpoint = DefaultCheckIPEndpoint
	}

	reqCtx, cancel := context.WithTimeout(ctx, publicIPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", model.WrapCLIError(model.ExitCloudError, "failed to build public IP request", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", model.WrapCLIError(model.ExitCloudError, "public IP lookup failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", model.NewCLIError(model.ExitCloudError,
			fmt.Sprintf("public IP lookup returned status %d", resp.StatusCode))
	}

	// The body is tiny; cap the read anyway so a misbehaving endpoint
	// cannot balloon memory.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", model.WrapCLIError(model.ExitCloudError, "failed to read public IP response", err)
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", model.NewCLIError(model.ExitCloudError,
			fmt.Sprintf("public IP lookup returned %q, not an IP address", ip))
	}
	return ip, nil
}
