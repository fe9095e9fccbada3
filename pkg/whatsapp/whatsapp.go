package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/metrics"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
)

const (
	qrChannelWaitTimeout = 2 * time.Minute
	qrFirstCodeTimeout   = 30 * time.Second
	logoutRequestTimeout = 30 * time.Second
	eventDispatchTimeout = 10 * time.Second
)

// Config selects the whatsmeow device store.
type Config struct {
	DatastoreType string
	DatastoreURI  string
	ProxyURL      string
	DeviceOS      string
}

type session struct {
	client   *whatsmeow.Client
	qrCode   string
	qrCancel context.CancelFunc
}

// Provider runs WhatsApp sessions in-process with whatsmeow. Connection events
// are delivered to the sink shaped like provider webhooks, so they flow
// through the same ingest path as a remote session server.
type Provider struct {
	container *sqlstore.Container
	routing   *sql.DB
	sink      provider.EventSink
	proxyURL  string
	version   *versionRefresher

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(ctx context.Context, cfg Config, sink provider.EventSink) (*Provider, error) {
	if sink == nil {
		return nil, errors.New("whatsapp provider requires an event sink")
	}
	driver := normalizeDatastoreDriver(cfg.DatastoreType)
	dsn := normalizeDatastoreDSN(driver, cfg.DatastoreURI)
	if dsn == "" {
		return nil, errors.New("whatsapp datastore uri is required")
	}

	log.Print(nil).Info("Initializing WhatsApp datastore with driver=" + driver)

	container, err := sqlstore.New(ctx, driver, dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize whatsapp datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade whatsapp datastore: %w", err)
	}

	routing, err := openRoutingDB(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize session routing: %w", err)
	}

	deviceOS := cfg.DeviceOS
	if deviceOS == "" {
		deviceOS = "IazeConnect"
	}
	store.DeviceProps.Os = proto.String(deviceOS)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	return &Provider{
		container: container,
		routing:   routing,
		sink:      sink,
		proxyURL:  cfg.ProxyURL,
		version:   newVersionRefresher(),
		sessions:  make(map[string]*session),
	}, nil
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgresql", "postgres", "pgx", "":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if driver != "pgx" || dsn == "" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}

func (p *Provider) Name() string {
	return "whatsmeow"
}

func (p *Provider) CreateSession(ctx context.Context, name string, webhookURL string) (result provider.CreateResult, err error) {
	done := metrics.TrackProviderCall("create_session")
	defer func() { done(outcomeOf(err)) }()

	p.version.refresh(ctx, false)

	route, err := getRouting(ctx, p.routing, name)
	if err != nil && !errors.Is(err, errRoutingNotFound) {
		return provider.CreateResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	if err == nil && route.JID != "" {
		// Already paired: reuse the device instead of issuing a new QR.
		status := p.restore(ctx, name, route)
		return provider.CreateResult{Success: true, RawStatus: status, QRCode: status.QRCode, Token: route.Token}, nil
	}

	token := route.Token
	if token == "" {
		token = uuid.NewString()
	}
	if err := saveRouting(ctx, p.routing, name, token, ""); err != nil {
		return provider.CreateResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	p.dropSession(name)
	client := p.newClient(name, p.container.NewDevice())

	qrCtx, qrCancel := context.WithTimeout(context.Background(), qrChannelWaitTimeout)
	qrChan, err := client.GetQRChannel(qrCtx)
	if err != nil {
		qrCancel()
		return provider.CreateResult{}, err
	}
	if err := client.Connect(); err != nil {
		qrCancel()
		return provider.CreateResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	sess := &session{client: client, qrCancel: qrCancel}
	p.mu.Lock()
	p.sessions[name] = sess
	p.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, qrFirstCodeTimeout)
	defer waitCancel()
	qr, paired, err := nextQR(waitCtx, qrChan)
	if err != nil {
		p.dropSession(name)
		if errors.Is(err, errClientOutdated) {
			p.version.refresh(context.Background(), true)
		}
		return provider.CreateResult{Success: false, Token: token, Message: err.Error()}, nil
	}

	status := provider.RawStatus{State: provider.StateQRCode, QRCode: qr, ObservedAt: time.Now()}
	if paired {
		status = provider.RawStatus{State: provider.StateConnected, Connected: true, ObservedAt: time.Now()}
	}
	p.setQR(name, qr)
	go p.watchQR(name, qrChan)

	return provider.CreateResult{Success: true, QRCode: qr, RawStatus: status, Token: token}, nil
}

func (p *Provider) GetStatus(ctx context.Context, name string, token string, lastKnown provider.RawStatus) provider.RawStatus {
	done := metrics.TrackProviderCall("get_status")

	route, err := getRouting(ctx, p.routing, name)
	if errors.Is(err, errRoutingNotFound) || (err == nil && route.Token != token) {
		done("ok")
		return provider.RawStatus{State: provider.StateNotFound, ObservedAt: time.Now()}
	}
	if err != nil {
		done("unavailable")
		log.Instance("", name).WithError(err).Warn("Session routing unavailable, using last known status")
		lastKnown.FromCache = true
		return lastKnown
	}

	done("ok")
	return p.restore(ctx, name, route)
}

func (p *Provider) CloseSession(ctx context.Context, name string, token string) (result provider.CloseResult, err error) {
	done := metrics.TrackProviderCall("close_session")
	defer func() { done(outcomeOf(err)) }()

	route, err := getRouting(ctx, p.routing, name)
	if errors.Is(err, errRoutingNotFound) {
		p.dropSession(name)
		return provider.CloseResult{Success: true, Message: "Session already closed"}, nil
	}
	if err != nil {
		return provider.CloseResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	if route.Token != token {
		return provider.CloseResult{Success: false, Message: "session token mismatch"}, nil
	}

	p.mu.RLock()
	sess := p.sessions[name]
	p.mu.RUnlock()

	if sess != nil && sess.client.Store.ID != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, logoutRequestTimeout)
		defer cancel()
		if err := sess.client.Logout(logoutCtx); err != nil {
			sess.client.Disconnect()
			if err := sess.client.Store.Delete(logoutCtx); err != nil {
				log.Instance("", name).WithError(err).Warn("Unable to delete device store on close")
			}
		}
	}
	p.dropSession(name)

	if err := deleteRouting(ctx, p.routing, name); err != nil {
		return provider.CloseResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	return provider.CloseResult{Success: true, Message: "Session closed"}, nil
}

// RefreshVersion updates the advertised WhatsApp Web version. Unforced calls
// are throttled.
func (p *Provider) RefreshVersion(ctx context.Context, force bool) {
	p.version.refresh(ctx, force)
}

// Shutdown disconnects every client without logging them out.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, sess := range p.sessions {
		if sess.qrCancel != nil {
			sess.qrCancel()
		}
		sess.client.Disconnect()
		delete(p.sessions, name)
	}
	_ = p.routing.Close()
}

// restore returns the live status of a session, reconnecting a paired device
// from the store when this process has no client for it yet.
func (p *Provider) restore(ctx context.Context, name string, route sessionRoute) provider.RawStatus {
	p.mu.RLock()
	sess := p.sessions[name]
	p.mu.RUnlock()

	if sess == nil && route.JID != "" {
		jid, err := types.ParseJID(route.JID)
		if err != nil {
			return provider.RawStatus{State: provider.StateNotFound, ObservedAt: time.Now()}
		}
		device, err := p.container.GetDevice(ctx, jid)
		if err != nil || device == nil {
			return provider.RawStatus{State: provider.StateNotLogged, ObservedAt: time.Now()}
		}
		client := p.newClient(name, device)
		sess = &session{client: client}
		p.mu.Lock()
		p.sessions[name] = sess
		p.mu.Unlock()
		go func() {
			if err := client.Connect(); err != nil {
				log.Instance("", name).WithError(err).Warn("Unable to reconnect WhatsApp device")
			}
		}()
	}

	if sess == nil {
		return provider.RawStatus{State: provider.StateNotLogged, ObservedAt: time.Now()}
	}
	return statusOf(sess)
}

func statusOf(sess *session) provider.RawStatus {
	client := sess.client
	now := time.Now()
	switch {
	case client.Store.ID == nil:
		return provider.RawStatus{State: provider.StateQRCode, QRCode: sess.qrCode, ObservedAt: now}
	case client.IsConnected() && client.IsLoggedIn():
		return provider.RawStatus{State: provider.StateConnected, Connected: true, Phone: client.Store.ID.User, ObservedAt: now}
	default:
		return provider.RawStatus{State: provider.StateDisconnected, ObservedAt: now}
	}
}

func (p *Provider) newClient(name string, device *store.Device) *whatsmeow.Client {
	client := whatsmeow.NewClient(device, nil)
	if p.proxyURL != "" {
		if err := client.SetProxyAddress(p.proxyURL); err != nil {
			log.Instance("", name).WithError(err).Warn("Invalid WhatsApp proxy address")
		}
	}
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true
	client.AddEventHandler(p.handleEvents(name, client))
	return client
}

func (p *Provider) handleEvents(name string, client *whatsmeow.Client) func(interface{}) {
	return func(evt interface{}) {
		switch e := evt.(type) {
		case *events.PairSuccess:
			ctx, cancel := context.WithTimeout(context.Background(), eventDispatchTimeout)
			defer cancel()
			if err := updateRoutingJID(ctx, p.routing, name, e.ID.String()); err != nil {
				log.Instance("", name).WithError(err).Error("Unable to persist paired device")
			}
		case *events.Connected:
			phone := ""
			if client.Store.ID != nil {
				phone = client.Store.ID.User
			}
			log.Instance("", name).Info("WhatsApp client connected")
			p.emit(name, "connection", map[string]interface{}{"state": provider.StateConnected, "phone": phone})
		case *events.Disconnected:
			log.Instance("", name).Warn("WhatsApp client disconnected")
			p.emit(name, "status-find", map[string]interface{}{"state": provider.StateDisconnected, "connected": false})
		case *events.StreamReplaced:
			client.Disconnect()
			p.emit(name, "status-find", map[string]interface{}{"state": provider.StateDisconnected, "connected": false})
		case *events.LoggedOut:
			client.Disconnect()
			ctx, cancel := context.WithTimeout(context.Background(), eventDispatchTimeout)
			defer cancel()
			if err := updateRoutingJID(ctx, p.routing, name, ""); err != nil {
				log.Instance("", name).WithError(err).Warn("Unable to clear logged out device")
			}
			p.dropSession(name)
			p.emit(name, "logout", map[string]interface{}{"state": provider.StateNotLogged, "connected": false, "reason": e.Reason.String()})
		case *events.TemporaryBan:
			log.Instance("", name).Warn("WhatsApp temporary ban: " + e.String())
		case *events.ConnectFailure:
			log.Instance("", name).Warn("WhatsApp connect failure: " + e.Reason.String())
		}
	}
}

func (p *Provider) emit(name string, event string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), eventDispatchTimeout)
	defer cancel()
	p.sink(ctx, event, name, data)
}

// watchQR forwards refreshed QR codes until the channel closes.
func (p *Provider) watchQR(name string, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event != "code" {
			continue
		}
		qr, err := provider.RenderQR(item.Code)
		if err != nil {
			continue
		}
		p.setQR(name, qr)
		p.emit(name, "qrcode.updated", map[string]interface{}{"state": provider.StateQRCode})
	}
}

func (p *Provider) setQR(name string, qr string) {
	p.mu.Lock()
	if sess, ok := p.sessions[name]; ok {
		sess.qrCode = qr
	}
	p.mu.Unlock()
}

func (p *Provider) dropSession(name string) {
	p.mu.Lock()
	sess, ok := p.sessions[name]
	delete(p.sessions, name)
	p.mu.Unlock()
	if !ok {
		return
	}
	if sess.qrCancel != nil {
		sess.qrCancel()
	}
	sess.client.Disconnect()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
