package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
)

// ProxyHandler manages reverse proxying for subdomains.
type ProxyHandler struct {
	service *services.ContainerService
	domain  string
	logger  *log.Logger
}

// NewProxyHandler creates a proxy for hosts of the form <name>.<domain>.
func NewProxyHandler(service *services.ContainerService, domain string, logger *log.Logger) *ProxyHandler {
	return &ProxyHandler{service: service, domain: strings.ToLower(strings.Trim(domain, ".")), logger: logger}
}

// subdomain returns the container name addressed by host, if any.
func (h *ProxyHandler) subdomain(host string) (string, bool) {
	host = strings.ToLower(host)
	name, ok := strings.CutSuffix(host, "."+h.domain)
	if !ok || name == "" || strings.Contains(name, ".") || name == "www" {
		return "", false
	}
	return name, true
}

// ProxyRequest intercepts requests to subdomains (e.g., app-name.localhost)
// and routes them to the host port the container publishes.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	name, ok := h.subdomain(c.Hostname())
	if !ok {
		return c.Next()
	}

	upstream, err := h.service.Upstream(c.Context(), name)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("App '%s' not found or not running", name))
		}
		return c.Status(fiber.StatusBadGateway).SendString(err.Error())
	}

	remote := &url.URL{Scheme: "http", Host: upstream}
	proxy := httputil.NewSingleHostReverseProxy(remote)

	// Rewrite the Host header to the target so the application accepts it.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.Warn("proxy error", "app", name, "target", upstream, "err", err)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "Proxy Info: target=%s error=%v", upstream, err)
	}

	return adaptor.HTTPHandler(proxy)(c)
}
