package whatsapp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"

	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
)

const versionRefreshMinInterval = 10 * time.Minute

// versionRefresher keeps the advertised WhatsApp Web version current so QR
// pairing is not refused as outdated.
type versionRefresher struct {
	group      singleflight.Group
	httpClient *http.Client

	mu          sync.Mutex
	lastAttempt time.Time
}

func newVersionRefresher() *versionRefresher {
	return &versionRefresher{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

// refresh is throttled to one attempt per interval unless forced.
func (v *versionRefresher) refresh(ctx context.Context, force bool) {
	v.mu.Lock()
	if !force && !v.lastAttempt.IsZero() && time.Since(v.lastAttempt) < versionRefreshMinInterval {
		v.mu.Unlock()
		return
	}
	v.lastAttempt = time.Now()
	v.mu.Unlock()

	_, err, _ := v.group.Do("refresh", func() (interface{}, error) {
		latest, err := whatsmeow.GetLatestVersion(ctx, v.httpClient)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			store.SetWAVersion(*latest)
		}
		return nil, nil
	})
	if err != nil {
		log.Print(nil).WithError(err).Warn("Unable to refresh WhatsApp Web version")
	}
}
