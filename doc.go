// Package mesh 提供去中心化覆盖网络节点
//
// 节点组合以下组件，按依赖自底向上：
//
//   - 身份：Ed25519 密钥对，PeerID 由公钥派生
//   - UDP 传输：单一 socket，DHT、打洞、中继与 STUN 共用
//   - DHT：Kademlia 路由表与迭代查找，签名记录
//   - NAT 穿透：直连 → 打洞 → 中继
//   - 信誉：衰减分数与封禁
//   - 同步：签名消息的入站校验管道与最后写入者胜出的状态
//
// # 快速开始
//
//	cfg := config.NewConfig()
//	cfg.BootstrapPeers = []string{"203.0.113.7:4001"}
//
//	node, err := mesh.New(ctx, mesh.WithConfig(cfg))
//	if err != nil {
//	    return err
//	}
//	if err := node.Start(ctx); err != nil {
//	    return err
//	}
//	defer node.Stop(context.Background())
//
//	_ = node.Put(ctx, []byte("hash:abc"), value, time.Hour)
//	v, err := node.Get(ctx, []byte("hash:abc"))
//
// # 对外接口
//
// 外部协作方只通过 Get、Put、IsPeerBanned 与 GetSyncStats 访问覆盖网络；
// 同步状态通过 SyncedEntry 读取。
package mesh
