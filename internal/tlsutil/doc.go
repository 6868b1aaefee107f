// Package tlsutil 提供集中式 TLS 与上游连接配置，
// 为上游客户端、路由服务客户端和 Redis 连接提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 并按数据中心限制并发连接数。
package tlsutil
