// Package recovery は障害からの復旧を扱う。
//
// # 再接続ポリシー
//
// Policy はワーカーが接続を失ったときの再接続を制御する。
// 指数バックオフ（github.com/cenkalti/backoff/v4）で再試行し、
// MaxRetries 回の再試行でも接続できなければ ErrRetryBudgetExhausted を返す。
// MaxRetries が0なら無制限に再試行する。初回の接続は Connect で行い、
// 再接続の回数には含めない。
// ワーカーはこのエラーを致命的エラーとして扱い、実行全体を中断する。
//
//	policy := recovery.DefaultPolicy()
//	err := policy.Reconnect(ctx, "worker-0", func(ctx context.Context) error {
//	    return w.dial(ctx)
//	})
//
// # モックサーバの修復
//
// Healer はセルフテスト用のモックサーバを監視し、chaos パッケージが注入した
// 障害（停止・一時停止・応答遅延）を一定時間後に元に戻す。
//
//	healer := recovery.New(cluster, recovery.DefaultConfig())
//	healer.Start(ctx)
//	defer healer.Stop()
package recovery
