// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 RLM 运行时的全局共享类型定义。

# 概述

types 是运行时最底层的公共包，不依赖任何内部包，为 backend、router、
environment、runtime 等上层模块提供统一的类型契约。所有跨包共享的结构体、
枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Message                — 对话消息（Role、Content、ToolCalls、Images）
  - ChatCompletion          — 单次 LM 调用的结果单元
  - ModelUsageSummary       — 单模型用量三元组（calls/input_tokens/output_tokens），加法幺半群
  - UsageSummary            — 模型名到 ModelUsageSummary 的映射，按模型合并
  - REPLResult / CodeBlock  — 一次 REPL 代码块执行的可观察效果
  - RLMIteration            — 一轮「提示 LM → 执行代码 → 检查终止」
  - Error / ErrorCode       — 结构化错误体系，含 HTTP 状态码、Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRunID 等
  - 错误工具链：NewError / WithCause / IsRetryable / GetErrorCode
  - RLM 错误码：ErrRLMConfiguration / ErrRLMEnvironmentFatal / ErrRLMBudgetExhausted / ErrRLMRouterTransport
*/
package types
