// Package config 提供 fedgate 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（FEDGATE_ 前缀）的顺序加载，
// 启动时加载一次，之后以只读方式传递给各组件。
// 资源类别参数（resources）与虚拟网络（virtual_networks）只能通过 YAML 配置。
package config
