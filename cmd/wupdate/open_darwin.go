package main

import (
	"context"

	wup "github.com/usbwup/wupdate"
)

func openPlatformTransport(ctx context.Context) (wup.Transport, wup.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	return wup.OpenDarwin(ctx)
}
