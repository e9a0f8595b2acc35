// Package chaos はセルフテスト用のモックサーバに障害を注入する。
//
// Monkey は一定間隔で稼働中のノードを選び、障害を1つ注入する。
// 負荷生成中のワーカーが接続断や応答遅延から再接続して計測を続けられることを
// 確認するために使う。実サーバに対しては使わない。
//
// # 障害の種類
//
// - drop: ノードの全接続を切断する（ノードは稼働を続ける）
// - suspend: 一時停止する（SuspendFor 経過後に自動再開）
// - delay: 応答に遅延を入れる
// - kill: ノードを停止する（recovery.Healer が再起動する）
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Interval = time.Second
//
//	monkey := chaos.New(cluster, config)
//	monkey.Start(ctx)
//	defer monkey.Stop()
package chaos
