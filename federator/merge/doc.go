// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 merge 按分片序号把各数据中心的部分结果合并为一个格式正确的输出流。

# 概述

Merger 从分发器接收按完成顺序到达的分片结果，在重排缓冲中等待前驱，
严格按序号交给 Framer 重新组帧。缓冲的结果数量受分发窗口约束，
每消费一个分片归还一个窗口令牌，客户端写入变慢时分发随之放缓。

# 核心类型

  - Merger：重排缓冲与失败策略（auto / strict / best-effort）。
  - Framer：格式相关的组帧接口，Begin / Frame / Gap / End。
  - MiniSEEDFramer：记录拼接，blockette 1000 识别记录长度，跨分片重叠处理。
  - TextFramer：FDSN 文本格式，只保留一个表头。
  - StationXMLFramer：按分组合并 Network，Station 去重，Channel 追加。
  - GeoCSVFramer / RequestFramer：availability 的 geocsv 与 request 格式。
  - AvailabilityJSONFramer：合并各分片的 datasources 数组。
  - WFCatalogFramer：拼接 WFCatalog JSON 数组，去掉相邻分片的重复边界文档。
  - Gap / Result：被省略的分片与合并统计。

# 主要能力

  - 延迟写头：第一个非空分片到达前不写任何字节，全部失败的会话仍可返回 503。
  - 重叠策略：字节完全相同的边界记录静默丢弃，其余重叠按 OverlapPolicy
    处理（prefer-first 丢弃靠后的记录，reject 返回 MERGE_ALIGNMENT）。
  - 缺口标注：文本格式写注释行，StationXML 写 XML 注释，miniSEED、GeoCSV 与 JSON 只通过 trailer 报告。
*/
package merge
