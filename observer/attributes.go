package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for loom observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrExecutionID = attribute.Key("execution.id")
	AttrAgentID     = attribute.Key("agent.id")
	AttrGraphID     = attribute.Key("graph.id")
	AttrNodeID      = attribute.Key("node.id")
	AttrOutcome     = attribute.Key("execution.outcome")
)
