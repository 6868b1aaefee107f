// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 fedgate 测试的共享工具和辅助函数。

# 概述

testutil 包为联邦网关各包的单元测试提供统一的辅助能力，
避免各包重复构造 miniSEED 记录、伪造数据中心等测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor
  - 数据工具: MustTime / Epoch
  - miniSEED: Record / Records 按流、起始时间与采样率生成合法记录，
    可选携带 blockette 1000
  - 伪数据中心: Archive 基于 httptest，记录收到的请求并解析流时段

# 子包

  - testutil/mocks: MockFetcher，按端点配置负载、延迟与错误注入

# 使用示例

	ctx := testutil.TestContext(t)
	rec := testutil.Record(testutil.RecordSpec{Network: "NL", Station: "HGN", Channel: "BHZ", Start: t0})
	arch := testutil.NewArchive(t, func(r testutil.ArchiveRequest) (int, []byte) { return 200, rec })
*/
package testutil
