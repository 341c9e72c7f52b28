package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultUpstreamTimeout bounds how long the upstream may take to send response headers.
const DefaultUpstreamTimeout = 30 * time.Second

// ErrInvalidUpstream indicates the upstream base URL is unusable.
var ErrInvalidUpstream = errors.New("proxy.invalid_upstream")

type accessTokenContextKey struct{}

// ProxyConfig configures a ProxyForwarder.
type ProxyConfig struct {
	Upstream  *url.URL
	Timeout   time.Duration
	Transport http.RoundTripper
}

// ProxyForwarder streams marked requests to the upstream API with the session's bearer token.
type ProxyForwarder struct {
	reverseProxy *httputil.ReverseProxy
	outbound     HeaderPolicy
	inbound      HeaderPolicy
	logger       *zap.Logger
}

// NewProxyForwarder constructs a ProxyForwarder. It never retries.
func NewProxyForwarder(configuration ProxyConfig, logger *zap.Logger) (*ProxyForwarder, error) {
	upstream := configuration.Upstream
	if upstream == nil || upstream.Host == "" || (upstream.Scheme != "http" && upstream.Scheme != "https") {
		return nil, fmt.Errorf("proxy.new: %w", ErrInvalidUpstream)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := configuration.Transport
	if transport == nil {
		timeout := configuration.Timeout
		if timeout <= 0 {
			timeout = DefaultUpstreamTimeout
		}
		defaultTransport := http.DefaultTransport.(*http.Transport).Clone()
		defaultTransport.ResponseHeaderTimeout = timeout
		transport = defaultTransport
	}

	forwarder := &ProxyForwarder{
		outbound: OutboundHeaderPolicy(),
		inbound:  ResponseHeaderPolicy(),
		logger:   logger,
	}
	forwarder.reverseProxy = &httputil.ReverseProxy{
		Rewrite: func(proxyRequest *httputil.ProxyRequest) {
			forwarder.outbound.Apply(proxyRequest.Out.Header)
			proxyRequest.SetURL(upstream)
			proxyRequest.Out.Host = ""
			if accessToken, _ := proxyRequest.In.Context().Value(accessTokenContextKey{}).(string); accessToken != "" {
				proxyRequest.Out.Header.Set("Authorization", "Bearer "+accessToken)
			}
		},
		Transport: transport,
		ModifyResponse: func(response *http.Response) error {
			forwarder.inbound.Apply(response.Header)
			response.ContentLength = -1
			return nil
		},
		ErrorHandler: func(writer http.ResponseWriter, request *http.Request, err error) {
			forwarder.logger.Error("upstream request failed",
				zap.String("code", "proxy.upstream_failure"),
				zap.String("method", request.Method),
				zap.String("path", request.URL.Path),
				zap.Error(err),
			)
			writer.Header().Set("Content-Type", "application/json; charset=utf-8")
			writer.WriteHeader(http.StatusBadGateway)
			_, _ = writer.Write([]byte(`{"error":"Bad Gateway"}`))
		},
		ErrorLog: zap.NewStdLog(logger),
	}
	return forwarder, nil
}

// Forward proxies the request, replacing browser credentials with accessToken.
func (forwarder *ProxyForwarder) Forward(writer http.ResponseWriter, request *http.Request, accessToken string) {
	ctx := context.WithValue(request.Context(), accessTokenContextKey{}, strings.TrimSpace(accessToken))
	forwarder.reverseProxy.ServeHTTP(writer, request.WithContext(ctx))
}
