package whatsapp

import (
	"context"
	"errors"

	"go.mau.fi/whatsmeow"

	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
)

var errClientOutdated = errors.New("whatsapp client version is outdated for QR pairing")

// nextQR waits for the first QR code, or for an immediate pairing success.
func nextQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) (string, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return "", false, errors.New("whatsapp qr channel closed before delivering a code")
			}
			switch {
			case evt.Event == "code":
				qr, err := provider.RenderQR(evt.Code)
				if err != nil {
					return "", false, err
				}
				return qr, false, nil
			case evt.Event == whatsmeow.QRChannelSuccess.Event:
				return "", true, nil
			case evt.Event == whatsmeow.QRChannelTimeout.Event:
				return "", false, errors.New("whatsapp qr channel timed out")
			case evt.Event == whatsmeow.QRChannelClientOutdated.Event:
				return "", false, errClientOutdated
			case evt.Event == whatsmeow.QRChannelScannedWithoutMultidevice.Event:
				return "", false, errors.New("whatsapp qr scanned without multi-device enabled")
			case evt.Event == "error":
				if evt.Error != nil {
					return "", false, evt.Error
				}
				return "", false, errors.New("whatsapp qr channel reported an unspecified error")
			}
		}
	}
}
