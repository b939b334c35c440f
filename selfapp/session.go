package selfapp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skip2/go-qrcode"
)

// Session is everything the page needs to show for one verification attempt.
type Session struct {
	App           *App   `json:"app"`
	UniversalLink string `json:"universal_link"`
	QRCode        []byte `json:"qr_code"`
}

// QRCode renders content as a square PNG of size pixels.
func QRCode(content string, size int) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}

// Provider creates sessions from a fixed app config.
type Provider struct {
	config AppConfig
}

func NewProvider(config AppConfig) *Provider {
	return &Provider{config: config}
}

func (p *Provider) NewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	app, err := BuildApp(p.config)
	if err != nil {
		return nil, err
	}

	link, err := UniversalLink(app)
	if err != nil {
		return nil, err
	}

	size := p.config.QRSize
	if size <= 0 {
		size = 256
	}
	png, err := QRCode(link, size)
	if err != nil {
		return nil, err
	}

	slog.Debug("Self session created", "session_id", app.SessionID, "scope", app.Scope)
	return &Session{App: app, UniversalLink: link, QRCode: png}, nil
}
