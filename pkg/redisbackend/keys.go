package redisbackend

// keys 键布局
//
//	<prefix>ch:<channel>                 发布订阅频道
//	<prefix>node:<id>                    节点控制频道
//	<prefix>group:<group>                组成员 SET
//	<prefix>counter                      通道名计数器
//	<prefix>{registry}:conn:<id>         连接记录 HASH
//	<prefix>{registry}:connections       在线连接 SET
//	<prefix>{registry}:user:<user_id>    用户连接 SET
//
// 注册表键共用 {registry} 哈希标签，集群模式下落在同一槽位，事务才能跨键执行。
type keys struct {
	prefix string
}

func (k keys) channel(name string) string { return k.prefix + "ch:" + name }

func (k keys) channelPrefix() string { return k.prefix + "ch:" }

func (k keys) node(id string) string { return k.prefix + "node:" + id }

func (k keys) group(name string) string { return k.prefix + "group:" + name }

func (k keys) counter() string { return k.prefix + "counter" }

func (k keys) registry() string { return k.prefix + "{registry}:" }

func (k keys) connection(id string) string { return k.registry() + "conn:" + id }

func (k keys) connections() string { return k.registry() + "connections" }

func (k keys) user(id string) string { return k.registry() + "user:" + id }

func (k keys) all() string { return k.prefix + "*" }
