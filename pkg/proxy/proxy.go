// Package proxy is the local HTTP/HTTPS forward proxy the simulated device
// sends its traffic through. Plain requests are forwarded with a reverse
// proxy per request; CONNECT requests are tunnelled over raw TCP.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/devicesim/internal/safe"
)

const (
	defaultTLSPort   = "443"
	defaultKeepAlive = 30 * time.Second
	defaultDialWait  = 15 * time.Second
)

// Options configure Start. Zero values pick the defaults.
type Options struct {
	// Port binds a fixed port; 0 asks Allocator for one.
	Port        int
	Allocator   *Allocator
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// Server is a running proxy bound to 127.0.0.1.
type Server struct {
	port     int
	listener net.Listener
	http     *http.Server
	dialer   *net.Dialer
	upstream *http.Transport

	mu      sync.Mutex
	closed  bool
	tunnels map[net.Conn]struct{}

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Start binds the proxy and serves in the background until Close or ctx
// is done.
func Start(ctx context.Context, opts Options) (*Server, error) {
	port := opts.Port
	if port == 0 {
		alloc := opts.Allocator
		if alloc == nil {
			alloc = DefaultAllocator
		}
		p, err := alloc.FindPort()
		if err != nil {
			return nil, err
		}
		port = p
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialWait
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "proxy: listen on %d", port)
	}
	dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	s := &Server{
		port:     ln.Addr().(*net.TCPAddr).Port,
		listener: ln,
		dialer:   dialer,
		upstream: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		tunnels: make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Int("port", s.port).Msg("proxy server stopped")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	log.Info().Int("port", s.port).Msg("local proxy listening")
	return s, nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns 127.0.0.1:<port>.
func (s *Server) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
}

// Done is closed once the server stopped serving.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting, closes the server socket and every live tunnel.
// Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.http.Close()
		s.mu.Lock()
		s.closed = true
		for conn := range s.tunnels {
			_ = conn.Close()
		}
		s.tunnels = map[net.Conn]struct{}{}
		s.mu.Unlock()
		log.Info().Int("port", s.port).Msg("local proxy closed")
	})
	return s.closeErr
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := forwardTarget(r)
	if err == nil && s.isSelf(r.Context(), target.Host) {
		err = errProxyLoop
	}
	if err != nil {
		log.Warn().Err(err).Str("host", r.Host).Str("uri", r.RequestURI).Msg("proxy request rejected")
		w.Header().Set("Connection", "close")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = r.Host
		},
		Transport: s.upstream,
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set("Connection", "close")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if !isExpectedRelayError(err) {
				log.Error().Err(err).Str("host", req.Host).Msg("proxy forward failed")
			}
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

var errProxyLoop = pkgerrors.New("proxy: target is the proxy itself")

// forwardTarget derives scheme://host from an absolute-form proxy request.
// Origin-form requests are not proxy requests and are rejected.
func forwardTarget(r *http.Request) (*url.URL, error) {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		return nil, pkgerrors.New("proxy: absolute-form request URI required")
	}
	switch r.URL.Scheme {
	case "http", "https":
	default:
		return nil, pkgerrors.Errorf("proxy: unsupported scheme %q", r.URL.Scheme)
	}
	return &url.URL{Scheme: r.URL.Scheme, Host: r.URL.Host}, nil
}

// isSelf reports whether hostport points back at this proxy's listener.
func (s *Server) isSelf(ctx context.Context, hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	if port == "" {
		port = "80"
	}
	if port != strconv.Itoa(s.port) {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	if host == "localhost" {
		return true
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return true
		}
	}
	return false
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := connectTarget(r.Host)
	if s.isSelf(r.Context(), target) {
		log.Warn().Str("target", target).Msg("proxy connect rejected")
		http.Error(w, errProxyLoop.Error(), http.StatusBadRequest)
		return
	}
	upstream, err := s.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		if !isExpectedRelayError(err) {
			log.Error().Err(err).Str("target", target).Msg("proxy connect dial failed")
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		log.Error().Err(err).Msg("proxy hijack failed")
		return
	}
	if tcp, ok := client.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(s.dialer.KeepAlive)
	}

	if !s.track(client, upstream) {
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	defer s.untrack(client, upstream)

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	log.Debug().Str("target", target).Msg("tunnel opened")
	if err := splice(r.Context(), client, buf.Reader, upstream); err != nil {
		log.Debug().Err(err).Str("target", target).Msg("tunnel closed with error")
	}
}

func (s *Server) track(conns ...net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, c := range conns {
		s.tunnels[c] = struct{}{}
	}
	return true
}

func (s *Server) untrack(conns ...net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conns {
		delete(s.tunnels, c)
	}
}

// TunnelCount returns the number of live CONNECT tunnels.
func (s *Server) TunnelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels) / 2
}

func connectTarget(hostport string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, defaultTLSPort)
}

// splice pipes client<->upstream until either side ends. Bytes the server
// already buffered from the client are sent first. Both sockets are closed
// on return.
func splice(ctx context.Context, client net.Conn, buffered *bufio.Reader, upstream net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	closeBoth := func() {
		_ = client.Close()
		_ = upstream.Close()
	}
	safe.GroupGo(ctx, g, "tunnel upstream", func(ctx context.Context) error {
		var src io.Reader = client
		if buffered != nil && buffered.Buffered() > 0 {
			src = io.MultiReader(io.LimitReader(buffered, int64(buffered.Buffered())), client)
		}
		_, err := io.Copy(upstream, src)
		closeBoth()
		return err
	})
	safe.GroupGo(ctx, g, "tunnel downstream", func(ctx context.Context) error {
		_, err := io.Copy(client, upstream)
		closeBoth()
		return err
	})
	err := g.Wait()
	if isExpectedRelayError(err) {
		return nil
	}
	return err
}

// isExpectedRelayError covers closed sockets plus the "not found" and
// "timeout" classes that are not worth an error log.
func isExpectedRelayError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
