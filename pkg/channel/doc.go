// Package channel 实时消息通道层
//
// 每个 WebSocket 连接对应一个唯一的通道名（channel），连接可以加入任意数量的组（group）。
// 组广播由 Backend 扇出到组内所有通道，单个成员失败不影响其他成员。
//
// 主要组件：
//
//   - Backend：消息投递、组成员和连接注册表的契约，内置 MemoryBackend（单进程）
//   - ConnectionManager：连接生命周期、连接数限制和组成员的唯一入口
//   - Consumer：单个连接的入站分发，按顺序执行 Pipeline 后调用应用 Hooks
//   - Pipeline：认证、限流、校验、日志四个内置阶段
//   - HeartbeatMonitor：定时 ping 并断开心跳超时的连接
//
// 基本用法：
//
//	backend := channel.NewMemoryBackend()
//	manager, err := channel.NewConnectionManager(backend, channel.WithLogger(log))
//	conn, err := manager.Connect(ctx, transport, channel.WithUserID(uid))
//	consumer := channel.NewConsumer(conn, manager, hooks,
//	    channel.WithPipeline(channel.NewDefaultPipeline(manager.Config(), log, limiter)))
//	err = consumer.HandleMessage(ctx, frame)
package channel
