package service

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/route"
)

// hopByHopHeaders are headers that apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const userAgent = "edge-gateway/1.0"

// RequestTransformer adjusts an outbound request before it is sent. Transformers
// run in order and only touch the outbound request.
type RequestTransformer func(out *http.Request, in *model.ProxyRequest, rule *route.Rule)

// DefaultTransformers is the pipeline applied to every forwarded request.
var DefaultTransformers = []RequestTransformer{
	copyHeaders,
	setForwardedHeaders,
	setHost,
	setUserAgent,
}

// copyHeaders copies the inbound headers minus hop-by-hop ones.
func copyHeaders(out *http.Request, in *model.ProxyRequest, _ *route.Rule) {
	out.Header = filterRequestHeaders(in.Header)
}

// setForwardedHeaders records the client and the original host for the upstream.
func setForwardedHeaders(out *http.Request, in *model.ProxyRequest, _ *route.Rule) {
	if ip := clientIP(in.RemoteAddr); ip != "" {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if out.Header.Get("X-Forwarded-Host") == "" && in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		proto := in.Scheme
		if proto == "" {
			proto = "http"
		}
		out.Header.Set("X-Forwarded-Proto", proto)
	}
}

// setHost sends the upstream's own host when the rule changes origin, and
// the client's Host otherwise.
func setHost(out *http.Request, in *model.ProxyRequest, rule *route.Rule) {
	if rule.ChangeOrigin {
		out.Host = rule.Upstream.Host
		return
	}
	out.Host = in.Host
}

func setUserAgent(out *http.Request, _ *model.ProxyRequest, _ *route.Rule) {
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", userAgent)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// filterRequestHeaders returns a copy of src without hop-by-hop headers,
// including any named in the Connection header.
func filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// filterResponseHeaders strips hop-by-hop headers from an upstream response in place.
func filterResponseHeaders(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	removeHopByHop(h)
	return h
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
