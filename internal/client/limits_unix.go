//go:build unix

package client

import (
	"fmt"

	"golang.org/x/sys/unix"

	"cacheload/internal/logger"
)

// reservedDescriptors は接続以外に必要なファイル記述子の見込み
const reservedDescriptors = 64

// checkDescriptors は接続数がオープンファイル数の上限に収まるかを確認する
// ソフトリミットが足りない場合はハードリミットまで引き上げを試みる
func checkDescriptors(connections int) error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logger.Debug("", "cannot read descriptor limit: %v", err)
		return nil
	}
	need := uint64(connections + reservedDescriptors)
	if need <= uint64(lim.Cur) {
		return nil
	}
	if need <= uint64(lim.Max) {
		raised := lim
		raised.Cur = need
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %d connections need %d descriptors, limit is %d",
		ErrResourceExhausted, connections, need, lim.Cur)
}
