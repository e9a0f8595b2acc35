//go:build !linux

package worker

import "errors"

func pinThread(int) error {
	return errors.New("cpu pinning is only supported on linux")
}
