package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const mockQRPayload = "2@iazeconnect-mock-qr,AAAAAAAAAAAAAAAAAAAAAA==,BBBBBBBBBBBBBBBBBBBBBB==,CCCCCCCCCCCC="

var mockTokenNamespace = uuid.MustParse("6f0b8a8e-3f5c-4f8e-9a53-5f1d2c7e4b10")

type mockSession struct {
	token      string
	webhookURL string
	state      string
	phone      string
}

// Mock is a deterministic in-memory provider: a fixed QR payload and a token
// derived from the session name. Sessions stay in QRCODE until SetConnected.
type Mock struct {
	mu          sync.Mutex
	sessions    map[string]*mockSession
	unreachable bool
	qrCode      string
	now         func() time.Time
}

func NewMock() (*Mock, error) {
	qr, err := RenderQR(mockQRPayload)
	if err != nil {
		return nil, err
	}
	return &Mock{
		sessions: make(map[string]*mockSession),
		qrCode:   qr,
		now:      time.Now,
	}, nil
}

// MockToken is the token the mock provider issues for a session name.
func MockToken(name string) string {
	return uuid.NewSHA1(mockTokenNamespace, []byte(name)).String()
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) CreateSession(ctx context.Context, name string, webhookURL string) (CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return CreateResult{}, ErrProviderUnavailable
	}

	session, ok := m.sessions[name]
	if !ok || session.state == StateClosed {
		session = &mockSession{token: MockToken(name), state: StateQRCode}
		m.sessions[name] = session
	}
	session.webhookURL = webhookURL

	status := m.statusLocked(session)
	return CreateResult{
		Success:   true,
		QRCode:    status.QRCode,
		RawStatus: status,
		Token:     session.token,
	}, nil
}

func (m *Mock) GetStatus(ctx context.Context, name string, token string, lastKnown RawStatus) RawStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return cached(lastKnown)
	}
	session, ok := m.sessions[name]
	if !ok || session.token != token {
		return RawStatus{State: StateNotFound, ObservedAt: m.now()}
	}
	return m.statusLocked(session)
}

func (m *Mock) CloseSession(ctx context.Context, name string, token string) (CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return CloseResult{}, ErrProviderUnavailable
	}
	if session, ok := m.sessions[name]; ok {
		session.state = StateClosed
		session.phone = ""
	}
	return CloseResult{Success: true, Message: "Session closed"}, nil
}

// SetConnected simulates the user scanning the QR code.
func (m *Mock) SetConnected(name string, phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[name]; ok {
		session.state = StateConnected
		session.phone = phone
	}
}

// SetDisconnected simulates the phone dropping the session.
func (m *Mock) SetDisconnected(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[name]; ok {
		session.state = StateDisconnected
	}
}

// SetUnreachable simulates a provider outage.
func (m *Mock) SetUnreachable(unreachable bool) {
	m.mu.Lock()
	m.unreachable = unreachable
	m.mu.Unlock()
}

// WebhookURL returns the callback registered for a session, if any.
func (m *Mock) WebhookURL(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[name]; ok {
		return session.webhookURL
	}
	return ""
}

func (m *Mock) statusLocked(session *mockSession) RawStatus {
	status := RawStatus{
		State:      session.state,
		Connected:  session.state == StateConnected,
		ObservedAt: m.now(),
	}
	if status.Connected {
		status.Phone = session.phone
	}
	if session.state == StateQRCode {
		status.QRCode = m.qrCode
	}
	return status
}
