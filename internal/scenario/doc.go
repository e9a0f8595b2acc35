// Package scenario は1回の負荷生成の実行を組み立てる。
//
// Engine は設定から分布・キー空間・サイクルクロック・接続先を準備し、
// client パッケージでワーカーを起動して、終了後に Result をまとめる。
// モックノードを指定した場合は chaos と recovery による障害注入と修復も行う。
//
// # プリセットシナリオ
//
// - default: 90% get / 10% set、1000キー
// - latency: 1ワーカーのレイテンシ測定（rps 0）
// - batch: バッチ送信でのレイテンシ測定
// - hit-one: 単一キーへの集中
// - multiget: multiget主体の読み込み
// - mixed: すべての操作の混在
// - paced: 指数分布の到着間隔で10000 rps
// - selftest: モックノードに対する動作確認
// - resilience: モックノードへの障害注入と修復
//
// # 使用例
//
//	config := scenario.SelfTestScenario()
//	engine := scenario.New(config)
//	result, err := engine.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Report())
package scenario
