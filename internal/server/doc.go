// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。fedgate 同时运行 api 与 metrics 两个实例，
以 Config.Name 区分日志。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener、
    异步错误通道与请求根 context。
  - Config：服务器配置，包含服务名、监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 流式友好：默认不设写超时，长时间的联邦响应由会话超时约束。
  - 优雅关闭：Shutdown 在超时内排空请求；超时后取消在途请求的
    context，流式会话随之中止并释放溢写文件。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM。
  - 状态查询：IsRunning/Addr 提供运行状态与实际监听地址。
*/
package server
