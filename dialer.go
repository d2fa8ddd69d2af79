// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alloydbconn provides a client library to be used with the AlloyDB
// Go, Java, Python, and Node.js connectors, which is used to authorize and
// encrypt connections to an AlloyDB instance using mutual TLS and a short
// lived client certificate, without the caller managing certificates or
// knowing the instance's network address.
package alloydbconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/alloydb/connectors/apiv1alpha/connectorspb"
	"github.com/alloydb-connect/alloydbconn/debug"
	"github.com/alloydb-connect/alloydbconn/errtype"
	"github.com/alloydb-connect/alloydbconn/instance"
	"github.com/alloydb-connect/alloydbconn/internal/alloydb"
	"github.com/alloydb-connect/alloydbconn/internal/alloydbapi"
	telv2 "github.com/alloydb-connect/alloydbconn/internal/tel/v2"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/proto"
)

const (
	// defaultTCPKeepAlive is the default keep alive value used on connections
	// to an AlloyDB instance.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the server-side proxy receives connections on.
	serverProxyPort = "5433"
	// ioTimeout is the maximum amount of time to wait before aborting a
	// metadata exchange.
	ioTimeout = 30 * time.Second
)

var (
	// ErrDialerClosed is used when a caller invokes Dial after closing the
	// Dialer.
	ErrDialerClosed = errors.New("alloydbconn: dialer is closed")
	// versionString indicates the version of this library.
	//go:embed version.txt
	versionString string
	userAgent     = "alloydb-go-connector/" + strings.TrimSpace(versionString)

	// defaultKey is the default RSA public/private keypair used by the
	// clients. Generation is CPU-heavy, so it is produced once per process
	// and shared by every Dialer unless WithRSAKey overrides it.
	defaultKey    *rsa.PrivateKey
	defaultKeyErr error
	keyOnce       sync.Once
)

func getDefaultKey() (*rsa.PrivateKey, error) {
	keyOnce.Do(func() {
		defaultKey, defaultKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return defaultKey, defaultKeyErr
}

// connectionInfoCache is satisfied by both alloydb.RefreshAheadCache and
// alloydb.LazyRefreshCache.
type connectionInfoCache interface {
	ConnectionInfo(context.Context) (alloydb.ConnectionInfo, error)
	ForceRefresh()
	io.Closer
}

// monitoredCache is a wrapper around a connectionInfoCache that tracks the
// number of open connections to the associated instance.
type monitoredCache struct {
	openConns uint64
	connectionInfoCache
}

// A Dialer is used to create connections to an AlloyDB instance.
//
// Use NewDialer to initialize a Dialer.
type Dialer struct {
	lock  sync.RWMutex
	cache map[instance.URI]*monitoredCache

	key             *rsa.PrivateKey
	client          *alloydbapi.Client
	logger          debug.ContextLogger
	refreshStrategy alloydb.RefreshStrategy

	// closed reports if the dialer has been closed.
	closed chan struct{}

	// defaultDialCfg holds the constructor level DialOptions, so that it can
	// be copied and mutated by the Dial function.
	defaultDialCfg dialCfg

	// dialerID uniquely identifies a Dialer. Used as a telemetry attribute
	// distinguishing this Dialer's instances from another's in the same
	// process.
	dialerID string

	// dialFunc is the function used to connect to the address on the named
	// network. By default it is golang.org/x/net/proxy#Dial.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	useIAMAuthN bool
	tokens      tokenProvider
	userAgent   string

	metricRecorder *telv2.MetricRecorder

	buffer *buffer
}

// NewDialer creates a new Dialer.
//
// The initial call to NewDialer may take longer than normal because
// generation of an RSA keypair is performed. Calls with a WithRSAKey Option
// or after a default RSA keypair has already been generated will be faster.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg := &dialerConfig{userAgents: []string{userAgent}}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}
	ua := strings.Join(cfg.userAgents, " ")

	if cfg.rsaKey == nil {
		key, err := getDefaultKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		cfg.rsaKey = key
	}

	tokens := cfg.tokens
	if tokens.source == nil {
		ts, err := google.DefaultTokenSource(ctx, CloudPlatformScope)
		if err != nil {
			return nil, err
		}
		tokens = tokenProvider{source: ts}
	}

	client, err := alloydbapi.NewClient(ctx, tokens,
		alloydbapi.WithAPIOptions(append(cfg.adminOpts, option.WithUserAgent(ua))...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AlloyDB Admin API client: %w", err)
	}

	dialerID := uuid.New().String()

	var mr *telv2.MetricRecorder
	if cfg.metricsEnabled {
		mr, err = telv2.NewMetricRecorder(ctx, telv2.Config{
			Enabled:   true,
			Version:   strings.TrimSpace(versionString),
			ClientID:  dialerID,
			ProjectID: cfg.metricsProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	dCfg := dialCfg{ipType: alloydb.PrivateIP, tcpKeepAlive: defaultTCPKeepAlive}
	for _, opt := range cfg.dialOpts {
		opt(&dCfg)
	}
	if dCfg.err != nil {
		return nil, dCfg.err
	}

	d := &Dialer{
		closed:          make(chan struct{}),
		cache:           make(map[instance.URI]*monitoredCache),
		key:             cfg.rsaKey,
		client:          client,
		logger:          debug.NewNoopContextLogger(),
		refreshStrategy: cfg.refreshStrategy,
		defaultDialCfg:  dCfg,
		dialerID:        dialerID,
		dialFunc:        cfg.dialFunc,
		useIAMAuthN:     cfg.useIAMAuthN,
		tokens:          tokens,
		userAgent:       ua,
		metricRecorder:  mr,
		buffer:          newBuffer(),
	}
	if d.dialFunc == nil {
		d.dialFunc = proxy.Dial
	}
	return d, nil
}

// Dial returns a net.Conn connected to the specified AlloyDB instance. The
// instance argument must be the instance's URI, which is in the format
// projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>,
// or its pseudo-DNS shorthand <PROJECT>.<REGION>.<CLUSTER>.<INSTANCE>.
func (d *Dialer) Dial(ctx context.Context, inst string, opts ...DialOption) (conn net.Conn, err error) {
	select {
	case <-d.closed:
		return nil, errtype.NewClosedError("dialer is closed", inst, ErrDialerClosed)
	default:
	}
	startTime := time.Now()

	cfg := d.defaultDialCfg
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	uri, err := instance.ParseURI(inst)
	if err != nil {
		return nil, err
	}

	cache := d.connectionInfoCache(uri)
	ci, err := cache.ConnectionInfo(ctx)
	if err != nil {
		d.removeCached(uri, cache, err)
		d.recordDial(ctx, false, telv2.DialCacheError)
		return nil, err
	}

	// If the client certificate has expired (as when the computer goes to
	// sleep, and the refresh cycle cannot run), force a refresh immediately.
	// The TLS handshake will not fail on an expired client certificate. It's
	// not until the first read where the client cert error will be
	// surfaced. So check that the certificate is valid before proceeding.
	if ci.Expired(time.Now(), 0) {
		d.logger.Debugf(ctx, "[%v] refreshing certificate now", uri.String())
		cache.ForceRefresh()
		ci, err = cache.ConnectionInfo(ctx)
		if err != nil {
			d.removeCached(uri, cache, err)
			d.recordDial(ctx, false, telv2.DialCacheError)
			return nil, err
		}
	}

	addr, serverName, err := dialAddr(ci, cfg.ipType)
	if err != nil {
		d.removeCached(uri, cache, err)
		d.recordDial(ctx, false, telv2.DialUserError)
		return nil, err
	}

	hostPort := net.JoinHostPort(addr, serverProxyPort)
	f := d.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	d.logger.Debugf(ctx, "[%v] dialing %v", uri.String(), hostPort)
	conn, err = f(ctx, "tcp", hostPort)
	if err != nil {
		d.logger.Debugf(ctx, "[%v] dialing %v failed: %v", uri.String(), hostPort, err)
		cache.ForceRefresh()
		d.recordDial(ctx, false, telv2.DialTCPError)
		return nil, errtype.NewNetworkError("failed to dial", uri.String(), err)
	}
	if c, ok := conn.(*net.TCPConn); ok {
		if err := c.SetKeepAlive(true); err != nil {
			return nil, errtype.NewNetworkError("failed to set keep-alive", uri.String(), err)
		}
		if err := c.SetKeepAlivePeriod(cfg.tcpKeepAlive); err != nil {
			return nil, errtype.NewNetworkError("failed to set keep-alive period", uri.String(), err)
		}
	}

	tlsCfg := ci.TLSConfig()
	tlsCfg.ServerName = serverName
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		d.logger.Debugf(ctx, "[%v] TLS handshake failed: %v", uri.String(), err)
		cache.ForceRefresh()
		_ = tlsConn.Close()
		d.recordDial(ctx, false, telv2.DialTLSError)
		return nil, errtype.NewNetworkError("handshake failed", uri.String(), err)
	}

	// The metadata exchange must occur after the TLS connection is
	// established to avoid leaking sensitive information.
	if err := d.metadataExchange(ctx, tlsConn); err != nil {
		cache.ForceRefresh()
		_ = tlsConn.Close()
		d.recordDial(ctx, false, telv2.DialMDXError)
		return nil, err
	}

	latencyMS := time.Since(startTime).Milliseconds()
	d.recordDial(ctx, true, telv2.DialSuccess)
	if d.metricRecorder != nil {
		d.metricRecorder.RecordDialLatency(ctx, latencyMS, telv2.Attributes{UserAgent: d.userAgent})
	}

	go func() {
		atomic.AddUint64(&cache.openConns, 1)
		if d.metricRecorder != nil {
			d.metricRecorder.RecordOpenConnection(ctx, telv2.Attributes{
				UserAgent: d.userAgent, IAMAuthN: d.useIAMAuthN,
			})
		}
	}()

	return newInstrumentedConn(tlsConn, func() {
		atomic.AddUint64(&cache.openConns, ^uint64(0))
		if d.metricRecorder != nil {
			d.metricRecorder.RecordClosedConnection(context.Background(), telv2.Attributes{
				UserAgent: d.userAgent, IAMAuthN: d.useIAMAuthN,
			})
		}
	}, d.metricRecorder, telv2.Attributes{UserAgent: d.userAgent}), nil
}

func (d *Dialer) recordDial(ctx context.Context, cacheHit bool, status string) {
	if d.metricRecorder == nil {
		return
	}
	d.metricRecorder.RecordDialCount(ctx, telv2.Attributes{
		UserAgent: d.userAgent, IAMAuthN: d.useIAMAuthN, CacheHit: cacheHit, DialStatus: status,
	})
}

// dialAddr resolves the address and TLS server name to use for the
// requested ip_type. The PSC, private, and public IP all appear as SANs on
// the leaf certificate, but identity is actually pinned by instance UID (see
// ConnectionInfo.TLSConfig), so serverName here only needs to be non-empty;
// it is never compared against a certificate field.
func dialAddr(ci alloydb.ConnectionInfo, ipType alloydb.IPType) (addr, serverName string, err error) {
	if ipType == alloydb.PSC {
		if ci.PSCDNSName == "" {
			return "", "", errtype.NewConfigError("instance does not have PSC enabled", ci.Instance.String())
		}
		return ci.PSCDNSName, ci.PSCDNSName, nil
	}
	addr, ok := ci.IPAddrs[ipType.String()]
	if !ok {
		return "", "", errtype.NewConfigError(
			fmt.Sprintf("instance does not have IP of type %q", ipType), ci.Instance.String(),
		)
	}
	return addr, addr, nil
}

// removeCached stops all background refreshes and deletes the connection
// info cache from the map of caches.
func (d *Dialer) removeCached(uri instance.URI, c *monitoredCache, err error) {
	d.logger.Debugf(context.Background(), "[%v] removing connection info from cache: %v", uri.String(), err)
	d.lock.Lock()
	defer d.lock.Unlock()
	c.Close()
	delete(d.cache, uri)
}

// metadataExchange sends metadata about the connection prior to the
// database protocol taking over. The exchange consists of four steps:
//
//  1. Prepare a MetadataExchangeRequest including the user agent, the
//     requested authentication type, and, for IAM authentication only, the
//     IAM principal's OAuth2 token.
//
//  2. Write the size of the message as a big endian uint32 (4 bytes) to the
//     server followed by the marshaled message. The length does not include
//     the initial four bytes.
//
//  3. Read a big endian uint32 (4 bytes) from the server. This is the
//     MetadataExchangeResponse message length and does not include the
//     initial four bytes.
//
//  4. Unmarshal the response using the message length in step 3. If the
//     response is not OK, return the response's error. If there is no error,
//     the metadata exchange has succeeded and the connection is complete.
//
// Subsequent interactions with the server use the database protocol.
func (d *Dialer) metadataExchange(ctx context.Context, conn net.Conn) error {
	var tok *oauth2.Token
	if d.useIAMAuthN {
		var err error
		tok, err = d.tokens.source.Token()
		if err != nil {
			return errtype.NewAuthError("failed to obtain oauth2 token for metadata exchange", err)
		}
	}
	req := buildMetadataExchangeRequest(d.useIAMAuthN, d.userAgent, tok)
	m, err := proto.Marshal(req)
	if err != nil {
		return errtype.NewProtocolError("failed to marshal metadata exchange request", "n/a", err)
	}

	b := d.buffer.get()
	defer d.buffer.put(b)

	buf := *b
	binary.BigEndian.PutUint32(buf, uint32(len(m)))
	buf = append(buf[:4], m...)

	if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(buf); err != nil {
		return errtype.NewProtocolError("failed to write metadata exchange request", "n/a", err)
	}

	szBuf := buf[:4]
	if _, err := io.ReadFull(conn, szBuf); err != nil {
		return errtype.NewProtocolError("failed to read metadata exchange response size", "n/a", err)
	}
	respSize := binary.BigEndian.Uint32(szBuf)
	if respSize > maxMessageSize {
		return errtype.NewProtocolError(
			fmt.Sprintf("metadata exchange response too large: %d bytes", respSize), "n/a", nil,
		)
	}
	resp := make([]byte, respSize)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return errtype.NewProtocolError("failed to read metadata exchange response", "n/a", err)
	}

	var mdxResp connectorspb.MetadataExchangeResponse
	if err := proto.Unmarshal(resp, &mdxResp); err != nil {
		return errtype.NewProtocolError("failed to unmarshal metadata exchange response", "n/a", err)
	}
	if mdxResp.GetResponseCode() != connectorspb.MetadataExchangeResponse_OK {
		return errtype.NewProtocolError("metadata exchange rejected", "n/a", errors.New(mdxResp.GetError()))
	}
	return nil
}

// buildMetadataExchangeRequest constructs the MetadataExchangeRequest for a
// connection. oauth2_token is only ever populated for IAM database
// authentication; a DB_NATIVE session must not leak a live access token
// onto the wire, so tok is ignored unless useIAMAuthN is set.
func buildMetadataExchangeRequest(useIAMAuthN bool, userAgent string, tok *oauth2.Token) *connectorspb.MetadataExchangeRequest {
	authType := connectorspb.MetadataExchangeRequest_DB_NATIVE
	if useIAMAuthN {
		authType = connectorspb.MetadataExchangeRequest_AUTO_IAM
	}
	req := &connectorspb.MetadataExchangeRequest{
		UserAgent: userAgent,
		AuthType:  authType,
	}
	if useIAMAuthN && tok != nil {
		req.Oauth2Token = tok.AccessToken
	}
	return req
}

const maxMessageSize = 16 * 1024 // 16 kb

// buffer pools the byte slices used to frame metadata exchange messages, to
// avoid an allocation on every Dial.
type buffer struct {
	pool sync.Pool
}

func newBuffer() *buffer {
	return &buffer{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, maxMessageSize)
				return &buf
			},
		},
	}
}

func (b *buffer) get() *[]byte { return b.pool.Get().(*[]byte) }
func (b *buffer) put(buf *[]byte) {
	*buf = (*buf)[:maxMessageSize]
	b.pool.Put(buf)
}

// newInstrumentedConn initializes an instrumentedConn that on closing
// invokes closeFunc and records bytes transferred.
func newInstrumentedConn(conn net.Conn, closeFunc func(), mr *telv2.MetricRecorder, a telv2.Attributes) *instrumentedConn {
	return &instrumentedConn{Conn: conn, closeFunc: closeFunc, metricRecorder: mr, attrs: a}
}

// instrumentedConn wraps a net.Conn, invoking closeFunc when the connection
// is closed and recording bytes transferred through it.
type instrumentedConn struct {
	net.Conn
	closeFunc      func()
	metricRecorder *telv2.MetricRecorder
	attrs          telv2.Attributes
}

// Read delegates to the underlying net.Conn and records bytes received.
func (i *instrumentedConn) Read(b []byte) (int, error) {
	n, err := i.Conn.Read(b)
	if n > 0 && i.metricRecorder != nil {
		i.metricRecorder.RecordBytesRxCount(context.Background(), int64(n), i.attrs)
	}
	return n, err
}

// Write delegates to the underlying net.Conn and records bytes sent.
func (i *instrumentedConn) Write(b []byte) (int, error) {
	n, err := i.Conn.Write(b)
	if n > 0 && i.metricRecorder != nil {
		i.metricRecorder.RecordBytesTxCount(context.Background(), int64(n), i.attrs)
	}
	return n, err
}

// Close delegates to the underlying net.Conn interface and reports the
// close to the provided closeFunc only when Close returns no error.
func (i *instrumentedConn) Close() error {
	err := i.Conn.Close()
	if err != nil {
		return err
	}
	go i.closeFunc()
	return nil
}

// Close closes the Dialer; it stops every cache from refreshing the
// information needed to connect. Dial calls made after Close return a
// ClosedError wrapping ErrDialerClosed.
func (d *Dialer) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)

	d.lock.Lock()
	defer d.lock.Unlock()
	for _, c := range d.cache {
		c.Close()
	}
	if d.metricRecorder != nil {
		return d.metricRecorder.Shutdown(context.Background())
	}
	return nil
}

func (d *Dialer) connectionInfoCache(uri instance.URI) *monitoredCache {
	d.lock.RLock()
	c, ok := d.cache[uri]
	d.lock.RUnlock()
	if ok {
		return c
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	// Recheck to ensure another goroutine didn't create it between locks.
	if c, ok = d.cache[uri]; ok {
		return c
	}
	d.logger.Debugf(context.Background(), "[%v] connection info added to cache", uri.String())

	// useMetadataExchange is always true: this Dialer always performs the
	// post-handshake metadata exchange (see metadataExchange), so every
	// ephemeral certificate it requests should be marked accordingly for
	// the control plane.
	var inner connectionInfoCache
	if d.refreshStrategy == alloydb.Lazy {
		inner = alloydb.NewLazyRefreshCache(
			uri, d.logger, d.client, d.key, true, d.userAgent, d.metricRecorder,
		)
	} else {
		inner = alloydb.NewRefreshAheadCache(
			uri, d.logger, d.client, d.key, true, d.userAgent, d.metricRecorder,
		)
	}
	c = &monitoredCache{connectionInfoCache: inner}
	d.cache[uri] = c
	return c
}
